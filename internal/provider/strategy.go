package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"piper-nodes/internal/node"
)

// Strategy adapts the Client to one provider's job API.
type Strategy interface {
	// Name labels logs and metrics.
	Name() string
	// SubmitRequest builds the job submission request for endpoint.
	SubmitRequest(ctx context.Context, endpoint string, payload any) (*http.Request, error)
	// DecodeSubmit extracts the task identifier from a successful submission.
	DecodeSubmit(body []byte) (string, error)
	// StatusRequest builds the status poll for the task in state.
	StatusRequest(ctx context.Context, state node.State) (*http.Request, error)
	// DecodeStatus parses a status response and normalises its status string.
	DecodeStatus(body []byte) (Task, error)
	// CancelRequest builds the best-effort cancellation request.
	CancelRequest(ctx context.Context, state node.State) (*http.Request, error)
	// Authorize adds credentials to an outgoing request.
	Authorize(req *http.Request)
	// DecodeError extracts a human readable message from a non-2xx response.
	// An empty string falls back to the HTTP status text.
	DecodeError(status int, body []byte) string
}

// ResultFetcher is implemented by strategies whose status response does not
// include the result payload.
type ResultFetcher interface {
	ResultRequest(ctx context.Context, state node.State) (*http.Request, error)
	DecodeResult(body []byte) (json.RawMessage, error)
}

// NewJSONRequest builds a request with an optional JSON body.
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// JoinURL joins a base URL and path segments with single slashes.
func JoinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		out += "/" + p
	}
	return out
}

// TextError is a DecodeError helper that returns the trimmed body, truncated.
func TextError(body []byte) string {
	text := strings.TrimSpace(string(body))
	if r := []rune(text); len(r) > 512 {
		return string(r[:512]) + "..."
	}
	return text
}
