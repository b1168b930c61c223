// Package provider implements the task client shared by every asynchronous
// provider integration: submit a job, poll its status, decode the result.
//
// Provider specifics (URLs, auth header, status vocabulary, payload shapes)
// live in a Strategy; the Client owns the state machine. A poll either
// yields Ready with the provider's result payload, yields StillRunning with
// the Repeat signal the node must hand back to its driver, or fails with a
// typed node error. Once a task has been polled MaxAttempts times while still
// running, the client cancels it remotely (best effort) and raises a timeout.
package provider
