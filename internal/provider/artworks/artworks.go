// Package artworks implements the ArtWorks task API (v3) as a provider
// strategy.
package artworks

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
	DefaultBaseURL = "https://api.artworks.ai"

	EnvUser     = "ARTWORKS_USER"
	EnvPassword = "ARTWORKS_PASSWORD"
)

var statuses = provider.StatusMap{
	"preparing":  provider.StatusQueued,
	"scheduling": provider.StatusQueued,
	"scheduled":  provider.StatusQueued,
	"pending":    provider.StatusQueued,
	"processing": provider.StatusRunning,
	"completed":  provider.StatusSucceeded,
	"failed":     provider.StatusFailed,
	"canceled":   provider.StatusCanceled,
}

// Config holds the ArtWorks account used by a strategy.
type Config struct {
	BaseURL  string
	Username string
	Password string
}

// ConfigFromEnv reads the ArtWorks credentials from a node environment.
func ConfigFromEnv(env node.Env) (Config, error) {
	values, err := env.Require(EnvUser, EnvPassword)
	if err != nil {
		return Config{}, err
	}
	return Config{
		BaseURL:  env.Variable("ARTWORKS_BASE_URL"),
		Username: values[EnvUser],
		Password: values[EnvPassword],
	}, nil
}

// Strategy speaks the ArtWorks task API.
type Strategy struct {
	cfg Config
}

// New returns an ArtWorks strategy.
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

// TaskPayload is the body of a task submission.
type TaskPayload struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (s *Strategy) Name() string { return "artworks" }

func (s *Strategy) url(parts ...string) string {
	return provider.JoinURL(s.cfg.BaseURL, append([]string{"api", "v3"}, parts...)...)
}

// SubmitRequest posts payload unchanged; endpoint is only recorded in the
// state. Callers usually pass a TaskPayload.
func (s *Strategy) SubmitRequest(ctx context.Context, _ string, payload any) (*http.Request, error) {
	return provider.NewJSONRequest(ctx, http.MethodPost, s.url("tasks"), payload)
}

func (s *Strategy) DecodeSubmit(body []byte) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode artworks task: %w", err)
	}
	return resp.ID, nil
}

func (s *Strategy) StatusRequest(ctx context.Context, state node.State) (*http.Request, error) {
	return provider.NewJSONRequest(ctx, http.MethodGet, s.url("tasks", state.Task), nil)
}

func (s *Strategy) DecodeStatus(body []byte) (provider.Task, error) {
	var resp struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Results *struct {
			Data  json.RawMessage `json:"data"`
			Error string          `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return provider.Task{}, fmt.Errorf("decode artworks status: %w", err)
	}
	task := provider.Task{ID: resp.ID, Raw: resp.Status, Status: statuses.Lookup(resp.Status)}
	if resp.Results != nil {
		switch task.Status {
		case provider.StatusSucceeded:
			task.Result = resp.Results.Data
		case provider.StatusFailed, provider.StatusCanceled:
			task.Error = resp.Results.Error
		}
	}
	return task, nil
}

func (s *Strategy) CancelRequest(ctx context.Context, state node.State) (*http.Request, error) {
	return provider.NewJSONRequest(ctx, http.MethodPost, s.url("tasks", state.Task, "cancel"), nil)
}

func (s *Strategy) Authorize(req *http.Request) {
	req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
}

// DecodeError joins the messages of an {"errors": [...]} body.
func (s *Strategy) DecodeError(_ int, body []byte) string {
	var resp struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && len(resp.Errors) > 0 {
		return strings.Join(resp.Errors, ", ")
	}
	return ""
}
