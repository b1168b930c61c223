package provider

import (
	"encoding/json"
	"fmt"

	"piper-nodes/internal/node"
)

// Outcome is the result of CheckTask: either the task's result payload
// (Ready) or the Repeat signal to hand back to the driver (StillRunning).
type Outcome struct {
	result json.RawMessage
	repeat *node.Repeat
}

// Ready wraps a finished task's payload.
func Ready(result json.RawMessage) Outcome {
	if result == nil {
		result = json.RawMessage("null")
	}
	return Outcome{result: result}
}

// StillRunning wraps the Repeat signal of a pending task.
func StillRunning(repeat node.Repeat) Outcome {
	return Outcome{repeat: &repeat}
}

// IsReady reports whether the task finished.
func (o Outcome) IsReady() bool {
	return o.repeat == nil
}

// Repeat returns the signal to propagate while the task is still running.
func (o Outcome) Repeat() (node.Repeat, bool) {
	if o.repeat == nil {
		return node.Repeat{}, false
	}
	return *o.repeat, true
}

// Result returns the raw payload of a finished task.
func (o Outcome) Result() json.RawMessage {
	return o.result
}

// Decode unmarshals the payload of a finished task into v.
func (o Outcome) Decode(v any) error {
	if !o.IsReady() {
		return node.ProtocolError("cannot decode the result of a task that is still running")
	}
	if err := json.Unmarshal(o.result, v); err != nil {
		return node.FatalWrap("", err, fmt.Sprintf("unexpected result payload: %s", TextError(o.result)))
	}
	return nil
}
