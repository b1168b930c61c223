// Package node defines the resumable execution protocol shared by every
// node: a node is invoked with its inputs and an optional resumption state,
// and answers with exactly one control signal. Next ends the run with
// outputs and costs; Repeat asks the caller to wait and invoke the node
// again with the state it carries.
//
// The state is owned by the node that produced it. Drivers only thread it
// through, which lets the same node run under the in-process driver loop
// (internal/runner) or the durable job processor (internal/jobs).
package node
