package provider

import "encoding/json"

// Status is the provider-independent lifecycle state of a remote task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	// StatusUnknown marks a provider status string no strategy recognises.
	StatusUnknown Status = "unknown"
)

// Pending reports whether the task has not reached a terminal state yet.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusRunning
}

// Task is one remote job as reported by a status poll.
type Task struct {
	ID     string
	Status Status
	// Raw is the provider's own status string.
	Raw string
	// Result is set only when Status is StatusSucceeded.
	Result json.RawMessage
	// Error is set only when Status is StatusFailed or StatusCanceled.
	Error string
}

// StatusMap normalises provider status strings.
type StatusMap map[string]Status

// Lookup returns the normalised status, or StatusUnknown.
func (m StatusMap) Lookup(raw string) Status {
	if s, ok := m[raw]; ok {
		return s
	}
	return StatusUnknown
}
