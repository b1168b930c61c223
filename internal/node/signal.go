package node

import (
	"context"
	"time"
)

// Signal is the result of one node invocation. The only implementations are
// Next and Repeat.
type Signal interface {
	signal()
}

// Next is the terminal success signal.
type Next struct {
	Outputs map[string]any `json:"outputs"`
	Costs   any            `json:"costs"`
}

// Repeat asks the driver to wait Delay and invoke the node again with State.
type Repeat struct {
	State    State         `json:"state"`
	Delay    time.Duration `json:"delay"`
	Progress *Progress     `json:"progress,omitempty"`
}

// Progress reports how far a polling node is through its attempt budget.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

func (Next) signal()   {}
func (Repeat) signal() {}

// Func is a node entry point. state is nil on the first invocation.
type Func func(ctx context.Context, env Env, inputs Inputs, state *State) (Signal, error)

// NextOf builds a Next signal.
func NextOf(outputs map[string]any, costs any) Next {
	return Next{Outputs: outputs, Costs: costs}
}
