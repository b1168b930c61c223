// Package fal implements the fal.ai queue API as a provider strategy.
package fal

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
	DefaultBaseURL = "https://queue.fal.run"

	EnvKey = "FAL_KEY"
)

var statuses = provider.StatusMap{
	"IN_QUEUE":    provider.StatusQueued,
	"IN_PROGRESS": provider.StatusRunning,
	"COMPLETED":   provider.StatusSucceeded,
}

// Config holds the fal.ai key.
type Config struct {
	BaseURL string
	Key     string
}

// ConfigFromEnv reads the fal.ai key from a node environment.
func ConfigFromEnv(env node.Env) (Config, error) {
	if env.Variable(EnvKey) == "" {
		return Config{}, node.ConfigError("Please, set your key for Fal AI")
	}
	return Config{Key: env.Variable(EnvKey)}, nil
}

// UserScoped reports whether the key was supplied by the end user.
func UserScoped(env node.Env) bool {
	return env.UserScoped(EnvKey)
}

// Strategy speaks the fal.ai queue API.
type Strategy struct {
	cfg Config
}

// New returns a fal.ai strategy.
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

// AppID returns the owner/app prefix of an endpoint. Queue routes for a
// request live under the app, not under the full endpoint path.
func AppID(endpoint string) string {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, "/")
}

func (s *Strategy) Name() string { return "fal" }

func (s *Strategy) requestURL(state node.State, suffix ...string) string {
	parts := append([]string{AppID(state.Endpoint), "requests", state.Task}, suffix...)
	return provider.JoinURL(s.cfg.BaseURL, parts...)
}

func (s *Strategy) SubmitRequest(ctx context.Context, endpoint string, payload any) (*http.Request, error) {
	return provider.NewJSONRequest(ctx, http.MethodPost, provider.JoinURL(s.cfg.BaseURL, endpoint), payload)
}

func (s *Strategy) DecodeSubmit(body []byte) (string, error) {
	var resp struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode fal submission: %w", err)
	}
	return resp.RequestID, nil
}

func (s *Strategy) StatusRequest(ctx context.Context, state node.State) (*http.Request, error) {
	req, err := provider.NewJSONRequest(ctx, http.MethodGet, s.requestURL(state, "status"), nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("logs", "1")
	req.URL.RawQuery = q.Encode()
	return req, nil
}

func (s *Strategy) DecodeStatus(body []byte) (provider.Task, error) {
	var resp struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return provider.Task{}, fmt.Errorf("decode fal status: %w", err)
	}
	task := provider.Task{ID: resp.RequestID, Raw: resp.Status, Status: statuses.Lookup(resp.Status)}
	if task.Status == provider.StatusSucceeded && resp.Error != "" {
		task.Status = provider.StatusFailed
		task.Error = resp.Error
	}
	return task, nil
}

func (s *Strategy) ResultRequest(ctx context.Context, state node.State) (*http.Request, error) {
	return provider.NewJSONRequest(ctx, http.MethodGet, s.requestURL(state), nil)
}

func (s *Strategy) DecodeResult(body []byte) (json.RawMessage, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("fal result is not JSON: %s", provider.TextError(body))
	}
	return json.RawMessage(body), nil
}

func (s *Strategy) CancelRequest(ctx context.Context, state node.State) (*http.Request, error) {
	return provider.NewJSONRequest(ctx, http.MethodPut, s.requestURL(state, "cancel"), nil)
}

func (s *Strategy) Authorize(req *http.Request) {
	req.Header.Set("Authorization", "Key "+s.cfg.Key)
}

// DecodeError reads fal's {"detail": ...} body, where detail is either a
// string or a list of validation errors.
func (s *Strategy) DecodeError(_ int, body []byte) string {
	var resp struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Detail) == 0 {
		return provider.TextError(body)
	}
	var text string
	if err := json.Unmarshal(resp.Detail, &text); err == nil {
		return text
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(resp.Detail, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			msgs = append(msgs, item.Msg)
		}
		return strings.Join(msgs, ", ")
	}
	return provider.TextError(resp.Detail)
}

var _ provider.ResultFetcher = (*Strategy)(nil)
