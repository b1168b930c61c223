package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "piper-nodes/internal/errors"
	"piper-nodes/internal/node"
)

// fakeStrategy speaks a minimal task API: POST /tasks, GET /tasks/{id},
// POST /tasks/{id}/cancel, and optionally GET /tasks/{id}/result.
type fakeStrategy struct {
	base     string
	statuses StatusMap
}

func (s *fakeStrategy) Name() string { return "fake" }

func (s *fakeStrategy) SubmitRequest(ctx context.Context, endpoint string, payload any) (*http.Request, error) {
	return NewJSONRequest(ctx, http.MethodPost, JoinURL(s.base, "tasks"), map[string]any{"type": endpoint, "params": payload})
}

func (s *fakeStrategy) DecodeSubmit(body []byte) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := json.Unmarshal(body, &resp)
	return resp.ID, err
}

func (s *fakeStrategy) StatusRequest(ctx context.Context, state node.State) (*http.Request, error) {
	return NewJSONRequest(ctx, http.MethodGet, JoinURL(s.base, "tasks", state.Task), nil)
}

func (s *fakeStrategy) DecodeStatus(body []byte) (Task, error) {
	var resp struct {
		ID      string          `json:"id"`
		Status  string          `json:"status"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Task{}, err
	}
	return Task{ID: resp.ID, Raw: resp.Status, Status: s.statuses.Lookup(resp.Status), Result: resp.Data, Error: resp.Message}, nil
}

func (s *fakeStrategy) CancelRequest(ctx context.Context, state node.State) (*http.Request, error) {
	return NewJSONRequest(ctx, http.MethodPost, JoinURL(s.base, "tasks", state.Task, "cancel"), nil)
}

func (s *fakeStrategy) Authorize(req *http.Request) { req.Header.Set("Authorization", "Token test") }

func (s *fakeStrategy) DecodeError(_ int, body []byte) string { return TextError(body) }

type fetchingStrategy struct{ *fakeStrategy }

func (s fetchingStrategy) ResultRequest(ctx context.Context, state node.State) (*http.Request, error) {
	return NewJSONRequest(ctx, http.MethodGet, JoinURL(s.base, "tasks", state.Task, "result"), nil)
}

func (s fetchingStrategy) DecodeResult(body []byte) (json.RawMessage, error) {
	return json.RawMessage(body), nil
}

var fakeStatuses = StatusMap{
	"pending":    StatusQueued,
	"processing": StatusRunning,
	"completed":  StatusSucceeded,
	"failed":     StatusFailed,
}

// recorder counts requests per "METHOD path".
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
}

func (r *recorder) record(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	key := req.Method + " " + req.URL.Path
	r.calls[key]++
	r.order = append(r.order, key)
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec.record(req)
		assert.Equal(t, "Token test", req.Header.Get("Authorization"))
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	strategy := &fakeStrategy{base: srv.URL, statuses: fakeStatuses}
	return New(strategy, opts...), rec
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestCreateTaskStartsPolling(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "remove-background", body["type"])
		writeJSON(w, http.StatusCreated, `{"id":"t1"}`)
	}, WithClock(func() time.Time { return fixedNow }))

	repeat, err := client.CreateTask(context.Background(), "remove-background", map[string]any{"image_url": "https://x/y.png"})
	require.NoError(t, err)

	assert.Equal(t, "t1", repeat.State.Task)
	assert.Equal(t, "remove-background", repeat.State.Endpoint)
	assert.Equal(t, 0, repeat.State.Attempt)
	assert.Equal(t, fixedNow, repeat.State.StartedAt)
	assert.Equal(t, 3*time.Second, repeat.Delay)
	require.NotNil(t, repeat.Progress)
	assert.Equal(t, node.Progress{Processed: 0, Total: DefaultMaxAttempts}, *repeat.Progress)
	assert.Equal(t, 1, rec.count("POST /tasks"))
}

func TestCreateTaskRejectionIsFatal(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `image_url is required`)
	})

	_, err := client.CreateTask(context.Background(), "remove-background", nil)
	require.Error(t, err)
	assert.True(t, node.IsFatal(err))
	assert.Contains(t, err.Error(), "image_url is required")
	assert.Equal(t, node.CodeFatal, xerrors.CodeOf(err))
	assert.Equal(t, 1, rec.total())
}

func TestCreateTaskWithoutIDIsFatal(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})

	_, err := client.CreateTask(context.Background(), "remove-background", nil)
	assert.True(t, node.IsFatal(err))
}

func TestCheckTaskStillRunningAdvancesAttempt(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"t1","status":"processing"}`)
	})

	state := node.NewState("t1", "remove-background", fixedNow)
	state.Data = map[string]any{"model": "v1"}
	outcome, err := client.CheckTask(context.Background(), state)
	require.NoError(t, err)
	require.False(t, outcome.IsReady())

	repeat, ok := outcome.Repeat()
	require.True(t, ok)
	assert.Equal(t, 1, repeat.State.Attempt)
	assert.Equal(t, "t1", repeat.State.Task)
	assert.Equal(t, "remove-background", repeat.State.Endpoint)
	assert.Equal(t, fixedNow, repeat.State.StartedAt)
	assert.Equal(t, map[string]any{"model": "v1"}, repeat.State.Data)
	assert.Equal(t, 3*time.Second, repeat.Delay)
	assert.Equal(t, &node.Progress{Processed: 0, Total: DefaultMaxAttempts}, repeat.Progress)
	assert.Equal(t, 0, state.Attempt, "input state must not change")
}

func TestCheckTaskReadyDecodesResult(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"t1","status":"completed","data":{"text":"hi"}}`)
	})

	outcome, err := client.CheckTask(context.Background(), node.State{Task: "t1", Attempt: 4})
	require.NoError(t, err)
	require.True(t, outcome.IsReady())

	var result struct {
		Text string `json:"text"`
	}
	require.NoError(t, outcome.Decode(&result))
	assert.Equal(t, "hi", result.Text)
}

func TestCheckTaskUsesResultFetcher(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec.record(req)
		if strings.HasSuffix(req.URL.Path, "/result") {
			writeJSON(w, http.StatusOK, `{"video":{"url":"https://cdn/v.mp4"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"id":"t1","status":"completed"}`)
	}))
	defer srv.Close()

	client := New(fetchingStrategy{&fakeStrategy{base: srv.URL, statuses: fakeStatuses}})
	outcome, err := client.CheckTask(context.Background(), node.State{Task: "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"video":{"url":"https://cdn/v.mp4"}}`, string(outcome.Result()))
	assert.Equal(t, []string{"GET /tasks/t1", "GET /tasks/t1/result"}, rec.order)
}

func TestCheckTaskTimeoutCancelsOnce(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost {
			writeJSON(w, http.StatusOK, `{}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"id":"t1","status":"processing"}`)
	}, WithMaxAttempts(20), WithClock(func() time.Time { return fixedNow.Add(61500 * time.Millisecond) }))

	_, err := client.CheckTask(context.Background(), node.State{Task: "t1", Attempt: 20, StartedAt: fixedNow})
	require.Error(t, err)
	assert.True(t, node.IsTimeout(err))
	assert.Equal(t, "timeout error: Task t1 timeout in 61.5 sec", err.Error())
	assert.Equal(t, 1, rec.count("POST /tasks/t1/cancel"))
	assert.Equal(t, 1, rec.count("GET /tasks/t1"))
}

func TestCheckTaskTimeoutIgnoresCancelFailure(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost {
			writeJSON(w, http.StatusInternalServerError, `boom`)
			return
		}
		writeJSON(w, http.StatusOK, `{"id":"t1","status":"pending"}`)
	}, WithMaxAttempts(2))

	_, err := client.CheckTask(context.Background(), node.State{Task: "t1", Attempt: 2})
	assert.True(t, node.IsTimeout(err))
	assert.Equal(t, 1, rec.count("POST /tasks/t1/cancel"))
}

func TestCheckTaskFailedIsFatalWithoutRetry(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"t1","status":"failed","error":"NSFW content detected"}`)
	})

	_, err := client.CheckTask(context.Background(), node.State{Task: "t1", Attempt: 3})
	require.Error(t, err)
	assert.True(t, node.IsFatal(err))
	assert.Equal(t, "fatal error: NSFW content detected", err.Error())
	assert.Equal(t, 1, rec.total())
}

func TestCheckTaskUnknownStatusIsProtocolError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"t1","status":"levitating"}`)
	})

	_, err := client.CheckTask(context.Background(), node.State{Task: "t1"})
	assert.Equal(t, node.KindProtocol, node.KindOf(err))
	assert.Contains(t, err.Error(), "levitating")
}

func TestCheckTaskHTTPErrorIsFatal(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.CheckTask(context.Background(), node.State{Task: "t1"})
	require.Error(t, err)
	assert.True(t, node.IsFatal(err))
	assert.Contains(t, err.Error(), "Bad Gateway")

	var nerr *node.Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "t1", nerr.TaskID)
}

func TestCheckTaskIsDeterministic(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"t1","status":"processing"}`)
	})
	state := node.State{Task: "t1", Endpoint: "e", Attempt: 7, StartedAt: fixedNow}

	first, err := client.CheckTask(context.Background(), state)
	require.NoError(t, err)
	second, err := client.CheckTask(context.Background(), state)
	require.NoError(t, err)

	a, _ := first.Repeat()
	b, _ := second.Repeat()
	assert.Equal(t, a, b)
	assert.Equal(t, 8, a.State.Attempt)
}

func TestRateLimitedClientStillCompletes(t *testing.T) {
	client, rec := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"t1","status":"processing"}`)
	}, WithRateLimit(1000, 1))

	for i := 0; i < 3; i++ {
		_, err := client.CheckTask(context.Background(), node.State{Task: "t1", Attempt: i})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, rec.total())
}
