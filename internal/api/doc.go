// Package api exposes the REST interface of the job service: submitting node
// jobs, inspecting their state and listing the registered nodes. Metrics and
// health endpoints are served from the same mux.
package api
