package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "piper-nodes/internal/errors"
	"piper-nodes/internal/node"
	"piper-nodes/internal/nodes"
	"piper-nodes/internal/observability/alerting"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

type harness struct {
	store     *MemoryStore
	queue     *MemoryQueue
	registry  *nodes.Registry
	service   *Service
	processor *Processor
	alerts    *recordingDispatcher
}

func newHarness(t *testing.T, defs ...nodes.Definition) *harness {
	t.Helper()
	registry := nodes.NewRegistry(nodes.Options{})
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}
	return newHarnessWithRegistry(t, registry)
}

func newHarnessWithRegistry(t *testing.T, registry *nodes.Registry, opts ...ProcessorOption) *harness {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	alerts := &recordingDispatcher{}
	opts = append([]ProcessorOption{
		WithWorkerCount(2),
		WithDefaultDelay(5 * time.Millisecond),
		WithAlertDispatcher(alerts),
	}, opts...)
	return &harness{
		store:     store,
		queue:     queue,
		registry:  registry,
		service:   NewService(store, queue, registry, 3),
		processor: NewProcessor(registry, store, queue, queue, opts...),
		alerts:    alerts,
	}
}

func (h *harness) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.processor.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctx
}

func (h *harness) wait(t *testing.T, ctx context.Context, id string) *Job {
	t.Helper()
	job, err := h.service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return job
}

// pollingNode repeats until its state reaches the given attempt.
func pollingNode(name string, finishAt int, calls *atomic.Int32) nodes.Definition {
	return nodes.Definition{
		Name: name,
		Run: func(_ context.Context, _ node.Env, inputs node.Inputs, state *node.State) (node.Signal, error) {
			calls.Add(1)
			if state == nil {
				return node.Repeat{State: node.NewState("t1", "", time.Now()), Delay: 5 * time.Millisecond}, nil
			}
			if state.Attempt < finishAt {
				return node.Repeat{
					State:    state.Next(),
					Delay:    5 * time.Millisecond,
					Progress: &node.Progress{Processed: state.Attempt + 1, Total: finishAt},
				}, nil
			}
			return node.NextOf(map[string]any{"echo": inputs.String("prompt", "")}, 0.01), nil
		},
	}
}

func TestProcessorDrivesRepeatsToCompletion(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, pollingNode("test.poller", 2, &calls))
	ctx := h.start(t)

	job, err := h.service.Submit(ctx, SubmitRequest{Node: "test.poller", Inputs: node.Inputs{"prompt": "cat"}})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	done := h.wait(t, ctx, job.ID)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, map[string]any{"echo": "cat"}, done.Outputs)
	assert.Equal(t, 0.01, done.Costs)
	assert.Equal(t, 3, done.Polls)
	assert.Equal(t, int32(4), calls.Load())
	require.NotNil(t, done.State)
	assert.Equal(t, 2, done.State.Attempt)
	assert.Equal(t, &node.Progress{Processed: 2, Total: 2}, done.Progress)
	assert.Empty(t, h.alerts.snapshot())
}

func TestProcessorFailsOnFatalError(t *testing.T) {
	h := newHarness(t, nodes.Definition{
		Name: "test.fatal",
		Run: func(context.Context, node.Env, node.Inputs, *node.State) (node.Signal, error) {
			return nil, node.Fatal("t9", "Task failed: nsfw")
		},
	})
	ctx := h.start(t)

	job, err := h.service.Submit(ctx, SubmitRequest{Node: "test.fatal"})
	require.NoError(t, err)

	done := h.wait(t, ctx, job.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, string(node.CodeFatal), done.ErrorCode)
	assert.Equal(t, "fatal error: Task failed: nsfw", done.LastError)
	assert.Zero(t, done.Attempts, "fatal errors are not retried")

	events := h.alerts.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, job.ID, events[0].JobID)
	assert.Equal(t, "test.fatal", events[0].Node)
	assert.Equal(t, "t9", events[0].Metadata["task_id"])
	assert.Equal(t, "non_retryable", events[0].Metadata["stage"])
}

func TestProcessorAlertCarriesErrorMetadata(t *testing.T) {
	h := newHarness(t, nodes.Definition{
		Name: "test.timeout",
		Run: func(context.Context, node.Env, node.Inputs, *node.State) (node.Signal, error) {
			return nil, node.Timeout("t5", 90*time.Second)
		},
	})
	ctx := h.start(t)

	job, err := h.service.Submit(ctx, SubmitRequest{Node: "test.timeout"})
	require.NoError(t, err)
	done := h.wait(t, ctx, job.ID)
	assert.Equal(t, string(node.CodeTimeout), done.ErrorCode)

	events := h.alerts.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "t5", events[0].Metadata["task_id"])
	assert.Equal(t, "1m30s", events[0].Metadata["elapsed"])
	assert.Equal(t, xerrors.SeverityWarning, events[0].Severity)
}

func TestProcessorMapsInvokeDeadlineToTimeout(t *testing.T) {
	registry := nodes.NewRegistry(nodes.Options{})
	require.NoError(t, registry.Register(nodes.Definition{
		Name: "test.hang",
		Run: func(ctx context.Context, _ node.Env, _ node.Inputs, _ *node.State) (node.Signal, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	h := newHarnessWithRegistry(t, registry, WithInvokeTimeout(20*time.Millisecond))
	ctx := h.start(t)

	job, err := h.service.Submit(ctx, SubmitRequest{Node: "test.hang"})
	require.NoError(t, err)
	done := h.wait(t, ctx, job.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, string(xerrors.CodeTimeout), done.ErrorCode)

	events := h.alerts.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "20ms", events[0].Metadata["invoke_timeout"])
	assert.Equal(t, "non_retryable", events[0].Metadata["stage"])
}

func TestProcessorEnforcesPollCeiling(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, pollingNode("test.forever", 1000, &calls))
	ctx := h.start(t)

	job, err := h.service.Submit(ctx, SubmitRequest{Node: "test.forever", MaxPolls: 3})
	require.NoError(t, err)

	done := h.wait(t, ctx, job.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, string(node.CodeProtocol), done.ErrorCode)
	assert.Contains(t, done.LastError, "max attempts exceeded (3)")
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, done.Polls)
}

func TestProcessorRetriesTransportFailuresWhilePolling(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, nodes.Definition{
		Name: "test.flaky",
		Run: func(_ context.Context, _ node.Env, _ node.Inputs, state *node.State) (node.Signal, error) {
			switch calls.Add(1) {
			case 1:
				return node.Repeat{State: node.NewState("t1", "", time.Now()), Delay: time.Millisecond}, nil
			case 2:
				cause := &url.Error{Op: "Get", URL: "https://api/tasks/t1", Err: errors.New("connection reset by peer")}
				return nil, node.FatalWrap(state.Task, cause, "status request to artworks failed")
			default:
				return node.NextOf(map[string]any{"task": state.Task}, 0.0), nil
			}
		},
	})
	ctx := h.start(t)

	job, err := h.service.Submit(ctx, SubmitRequest{Node: "test.flaky"})
	require.NoError(t, err)

	done := h.wait(t, ctx, job.ID)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, map[string]any{"task": "t1"}, done.Outputs)
	assert.Equal(t, int32(3), calls.Load())
}

func TestProcessorRejectsSubmitFailureOnCreate(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, nodes.Definition{
		Name: "test.offline",
		Run: func(context.Context, node.Env, node.Inputs, *node.State) (node.Signal, error) {
			calls.Add(1)
			cause := &url.Error{Op: "Post", URL: "https://api/tasks", Err: errors.New("no such host")}
			return nil, node.FatalWrap("", cause, "submit request to artworks failed")
		},
	})
	ctx := h.start(t)

	job, err := h.service.Submit(ctx, SubmitRequest{Node: "test.offline"})
	require.NoError(t, err)

	done := h.wait(t, ctx, job.ID)
	assert.Equal(t, StatusFailed, done.Status, "task creation is never replayed")
	assert.Equal(t, int32(1), calls.Load())
}

func TestProcessorReleasesJobOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, nodes.Definition{
		Name: "test.interrupted",
		Run: func(ctx context.Context, _ node.Env, _ node.Inputs, _ *node.State) (node.Signal, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, h.store.Create(context.Background(), &Job{ID: "j1", Node: "test.interrupted", Status: StatusPending, MaxPolls: 10, MaxRetries: 3}))

	require.NoError(t, h.processor.handle(ctx, "j1"))

	job, err := h.store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Empty(t, job.LastError)
}

func TestProcessorRequeuesEarlyDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.store.Create(ctx, &Job{
		ID:        "j1",
		Node:      "test.any",
		Status:    StatusWaiting,
		State:     &node.State{Task: "t1"},
		NextRunAt: now.Add(time.Hour).UnixMilli(),
	}))

	require.NoError(t, h.processor.handle(ctx, "j1"))
	assert.Equal(t, 1, h.queue.Pending())
	require.NoError(t, h.queue.Close())
}

func TestProcessorFailsUnknownNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Create(ctx, &Job{ID: "j1", Node: "gone", Status: StatusPending, MaxRetries: 3}))

	require.NoError(t, h.processor.handle(ctx, "j1"))

	job, err := h.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(CodeJobValidation), job.ErrorCode)
}

func TestProcessorRunsArtworksNodeDurably(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v3/tasks":
			_, _ = w.Write([]byte(`{"id":"t1"}`))
		case r.URL.Path == "/api/v3/tasks/t1":
			if polls.Add(1) < 3 {
				_, _ = w.Write([]byte(`{"status":"processing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"completed","results":{"data":{"image":{"url":"https://img/out.png"}}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	registry := nodes.Default(nodes.Options{
		BaseURLs:  map[string]string{"artworks": srv.URL},
		PollScale: 0.001,
	})
	h := newHarnessWithRegistry(t, registry, WithEnv(node.Env{Variables: map[string]string{
		"ARTWORKS_USER":     "u",
		"ARTWORKS_PASSWORD": "p",
	}}))
	ctx := h.start(t)

	job, err := h.service.Submit(ctx, SubmitRequest{
		Node:   "artworks.remove_background",
		Inputs: node.Inputs{"image": "https://img/in.png"},
	})
	require.NoError(t, err)

	done := h.wait(t, ctx, job.ID)
	require.Equal(t, StatusSucceeded, done.Status, done.LastError)
	assert.Equal(t, map[string]any{"image": "https://img/out.png"}, done.Outputs)
	assert.Equal(t, 0.005, done.Costs)
	assert.Equal(t, 3, done.Polls)
	assert.Equal(t, "t1", done.State.Task)

	raw, err := json.Marshal(done)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"succeeded"`)
}

// failingWaitStore fails the first MarkWaiting call.
type failingWaitStore struct {
	*MemoryStore
	failures atomic.Int32
}

func (s *failingWaitStore) MarkWaiting(ctx context.Context, id string, state node.State, progress *node.Progress, nextRunAt int64) error {
	if s.failures.Add(1) == 1 {
		return errors.New("mysql: connection reset")
	}
	return s.MemoryStore.MarkWaiting(ctx, id, state, progress, nextRunAt)
}

func TestProcessorReleasesClaimWhenStateWriteFails(t *testing.T) {
	var calls atomic.Int32
	registry := nodes.NewRegistry(nodes.Options{})
	require.NoError(t, registry.Register(pollingNode("test.poller", 2, &calls)))
	store := &failingWaitStore{MemoryStore: NewMemoryStore()}
	queue := NewMemoryQueue(8)
	defer queue.Close()
	p := NewProcessor(registry, store, queue, queue, WithDefaultDelay(5*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Job{ID: "j1", Node: "test.poller", Status: StatusPending, MaxPolls: 10, MaxRetries: 3}))

	require.Error(t, p.handle(ctx, "j1"))
	job, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	require.NoError(t, p.handle(ctx, "j1"))
	job, err = store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, job.Status)
	assert.Equal(t, 1, job.Polls)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcessorReclaimsExpiredRunningJob(t *testing.T) {
	claimedAt := time.Unix(1_700_000_000, 0)
	store := newTestStore(claimedAt)
	queue := NewMemoryQueue(8)
	defer queue.Close()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Job{ID: "j1", Node: "test.any", Status: StatusPending, MaxPolls: 10}))
	_, err := store.Claim(ctx, "j1")
	require.NoError(t, err)

	registry := nodes.NewRegistry(nodes.Options{})
	fresh := NewProcessor(registry, store, queue, queue,
		WithInvokeTimeout(time.Second),
		WithClock(func() time.Time { return claimedAt.Add(30 * time.Second) }),
	)
	require.NoError(t, fresh.handle(ctx, "j1"))
	job, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Empty(t, queue.ch)

	stale := NewProcessor(registry, store, queue, queue,
		WithInvokeTimeout(time.Second),
		WithClock(func() time.Time { return claimedAt.Add(5 * time.Minute) }),
	)
	require.NoError(t, stale.handle(ctx, "j1"))
	job, err = store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, "j1", <-queue.ch)
}
