package artworks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piper-nodes/internal/node"
	"piper-nodes/internal/provider"
)

func TestConfigFromEnvRequiresCredentials(t *testing.T) {
	_, err := ConfigFromEnv(node.Env{Variables: map[string]string{EnvUser: "u"}})
	require.Error(t, err)
	assert.True(t, node.IsConfig(err))
	assert.Contains(t, err.Error(), EnvPassword)

	cfg, err := ConfigFromEnv(node.Env{Variables: map[string]string{EnvUser: "u", EnvPassword: "p"}})
	require.NoError(t, err)
	assert.Equal(t, Config{Username: "u", Password: "p"}, cfg)
}

func TestDecodeStatus(t *testing.T) {
	s := New(Config{})
	cases := []struct {
		body   string
		status provider.Status
		result string
		errMsg string
	}{
		{`{"status":"preparing"}`, provider.StatusQueued, "", ""},
		{`{"status":"scheduled"}`, provider.StatusQueued, "", ""},
		{`{"status":"processing"}`, provider.StatusRunning, "", ""},
		{`{"status":"completed","results":{"data":{"text":"hi"}}}`, provider.StatusSucceeded, `{"text":"hi"}`, ""},
		{`{"status":"failed","results":{"error":"bad image"}}`, provider.StatusFailed, "", "bad image"},
		{`{"status":"exploded"}`, provider.StatusUnknown, "", ""},
	}
	for _, tc := range cases {
		task, err := s.DecodeStatus([]byte(tc.body))
		require.NoError(t, err, tc.body)
		assert.Equal(t, tc.status, task.Status, tc.body)
		if tc.result != "" {
			assert.JSONEq(t, tc.result, string(task.Result))
		}
		assert.Equal(t, tc.errMsg, task.Error, tc.body)
	}
}

func TestDecodeErrorJoinsMessages(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, "image is required, type is unknown", s.DecodeError(400, []byte(`{"errors":["image is required","type is unknown"]}`)))
	assert.Empty(t, s.DecodeError(500, []byte(`<html>`)))
}

func TestClientRoundTrip(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v3/tasks":
			var body TaskPayload
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "remove-background", body.Type)
			_, _ = w.Write([]byte(`{"id":"t1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v3/tasks/t1":
			polls++
			if polls == 1 {
				_, _ = w.Write([]byte(`{"id":"t1","status":"processing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"t1","status":"completed","results":{"data":{"image":"https://cdn/x.png"}}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Username: "u", Password: "p"})
	ctx := context.Background()

	repeat, err := client.CreateTask(ctx, "remove-background", TaskPayload{Type: "remove-background", Payload: map[string]any{"image": "https://x"}})
	require.NoError(t, err)
	assert.Equal(t, "t1", repeat.State.Task)

	outcome, err := client.CheckTask(ctx, repeat.State)
	require.NoError(t, err)
	next, ok := outcome.Repeat()
	require.True(t, ok)
	assert.Equal(t, 1, next.State.Attempt)

	outcome, err = client.CheckTask(ctx, next.State)
	require.NoError(t, err)
	var result struct {
		Image string `json:"image"`
	}
	require.NoError(t, outcome.Decode(&result))
	assert.Equal(t, "https://cdn/x.png", result.Image)
}

func TestSubmitErrorsAreFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":["image is required"]}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).CreateTask(context.Background(), "x", TaskPayload{Type: "x"})
	require.Error(t, err)
	assert.True(t, node.IsFatal(err))
	assert.Equal(t, "fatal error: image is required", err.Error())
}
