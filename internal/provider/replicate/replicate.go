// Package replicate implements the Replicate predictions API as a provider
// strategy.
package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"piper-nodes/internal/node"
	"piper-nodes/internal/provider"
)

const (
	DefaultBaseURL = "https://api.replicate.com/v1"

	EnvToken = "REPLICATE_TOKEN"
)

var statuses = provider.StatusMap{
	"starting":   provider.StatusQueued,
	"processing": provider.StatusRunning,
	"succeeded":  provider.StatusSucceeded,
	"failed":     provider.StatusFailed,
	"canceled":   provider.StatusCanceled,
}

// Config holds the Replicate API token.
type Config struct {
	BaseURL  string
	APIToken string
}

// ConfigFromEnv reads the Replicate token from a node environment.
func ConfigFromEnv(env node.Env) (Config, error) {
	values, err := env.Require(EnvToken)
	if err != nil {
		return Config{}, err
	}
	return Config{APIToken: values[EnvToken]}, nil
}

// UserScoped reports whether the token was supplied by the end user.
func UserScoped(env node.Env) bool {
	return env.UserScoped(EnvToken)
}

// Strategy speaks the Replicate predictions API.
type Strategy struct {
	cfg Config
}

// New returns a Replicate strategy.
func New(cfg Config) *Strategy {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Strategy{cfg: cfg}
}

// NewClient is a shortcut for provider.New(New(cfg), opts...).
func NewClient(cfg Config, opts ...provider.Option) *provider.Client {
	return provider.New(New(cfg), opts...)
}

// ModelEndpoint returns the predictions route of an official model.
func ModelEndpoint(model string) string {
	return "models/" + strings.Trim(model, "/") + "/predictions"
}

func (s *Strategy) Name() string { return "replicate" }

// SubmitRequest wraps payload as {"input": payload}. endpoint is either a
// path relative to the base URL or an absolute URL.
func (s *Strategy) SubmitRequest(ctx context.Context, endpoint string, payload any) (*http.Request, error) {
	target := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		target = provider.JoinURL(s.cfg.BaseURL, endpoint)
	}
	return provider.NewJSONRequest(ctx, http.MethodPost, target, map[string]any{"input": payload})
}

func (s *Strategy) DecodeSubmit(body []byte) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode replicate prediction: %w", err)
	}
	return resp.ID, nil
}

func (s *Strategy) StatusRequest(ctx context.Context, state node.State) (*http.Request, error) {
	return provider.NewJSONRequest(ctx, http.MethodGet, provider.JoinURL(s.cfg.BaseURL, "predictions", state.Task), nil)
}

func (s *Strategy) DecodeStatus(body []byte) (provider.Task, error) {
	var resp struct {
		ID     string          `json:"id"`
		Status string          `json:"status"`
		Output json.RawMessage `json:"output"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return provider.Task{}, fmt.Errorf("decode replicate status: %w", err)
	}
	task := provider.Task{ID: resp.ID, Raw: resp.Status, Status: statuses.Lookup(resp.Status)}
	switch task.Status {
	case provider.StatusSucceeded:
		task.Result = resp.Output
	case provider.StatusFailed, provider.StatusCanceled:
		task.Error = errorText(resp.Error)
	}
	return task, nil
}

func (s *Strategy) CancelRequest(ctx context.Context, state node.State) (*http.Request, error) {
	return provider.NewJSONRequest(ctx, http.MethodPost, provider.JoinURL(s.cfg.BaseURL, "predictions", state.Task, "cancel"), nil)
}

func (s *Strategy) Authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)
}

func (s *Strategy) DecodeError(status int, body []byte) string {
	var resp struct {
		Detail string `json:"detail"`
	}
	text := provider.TextError(body)
	if err := json.Unmarshal(body, &resp); err == nil && resp.Detail != "" {
		text = resp.Detail
	}
	return fmt.Sprintf("Replicate API error %d: %s", status, text)
}

// errorText renders the prediction error, which is usually a string but may
// be any JSON value.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
