package node

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the resumption state threaded between invocations of a node.
// It is a value: each poll derives a new State instead of changing the old one.
type State struct {
	Task      string         `json:"task"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Attempt   int            `json:"attempt"`
	StartedAt time.Time      `json:"startedAt"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewState returns the state of a freshly created remote task.
func NewState(task, endpoint string, startedAt time.Time) State {
	return State{Task: task, Endpoint: endpoint, StartedAt: startedAt}
}

// Next returns the state for the following poll: Attempt grows by exactly one
// and every other field is carried forward.
func (s State) Next() State {
	next := s
	next.Attempt = s.Attempt + 1
	next.Data = cloneData(s.Data)
	return next
}

// Elapsed reports the wall-clock time since the task was created. A state
// without StartedAt reports zero.
func (s State) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Encode serialises the state for durable storage.
func (s State) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeState parses a state produced by Encode.
func DecodeState(raw []byte) (State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("decode node state: %w", err)
	}
	return s, nil
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	cloned := make(map[string]any, len(data))
	for k, v := range data {
		cloned[k] = v
	}
	return cloned
}
