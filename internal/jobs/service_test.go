package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "piper-nodes/internal/errors"
	"piper-nodes/internal/node"
	"piper-nodes/internal/nodes"
	"piper-nodes/internal/runner"
	"piper-nodes/pkg/logger"
)

type failingProducer struct{ err error }

func (f failingProducer) Publish(context.Context, string) error { return f.err }
func (f failingProducer) PublishDelayed(context.Context, string, time.Duration) error {
	return f.err
}
func (f failingProducer) Close() error { return nil }

func echoRegistry(t *testing.T) *nodes.Registry {
	t.Helper()
	registry := nodes.NewRegistry(nodes.Options{})
	require.NoError(t, registry.Register(nodes.Definition{
		Name: "test.echo",
		Run: func(context.Context, node.Env, node.Inputs, *node.State) (node.Signal, error) {
			return node.NextOf(nil, 0.0), nil
		},
	}))
	return registry
}

func TestServiceSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(4), echoRegistry(t), 0)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{})
	require.Error(t, err)
	assert.Equal(t, CodeJobValidation, xerrors.CodeOf(err))

	_, err = svc.Submit(ctx, SubmitRequest{Node: "test.missing"})
	require.Error(t, err)
	assert.Equal(t, CodeJobValidation, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "test.missing")

	_, err = svc.Submit(ctx, SubmitRequest{Node: "test.echo", MaxPolls: -1})
	assert.Equal(t, CodeJobValidation, xerrors.CodeOf(err))
}

func TestServiceSubmitDefaultsAndIdempotency(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	svc := NewService(store, queue, echoRegistry(t), 0)
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{ID: " fixed ", Node: "test.echo", Inputs: node.Inputs{"a": 1.0}})
	require.NoError(t, err)
	assert.Equal(t, "fixed", job.ID)
	assert.Equal(t, runner.DefaultMaxAttempts, job.MaxPolls)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Len(t, queue.ch, 1)

	again, err := svc.Submit(ctx, SubmitRequest{ID: "fixed", Node: "test.echo"})
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, node.Inputs{"a": 1.0}, again.Inputs)
	assert.Len(t, queue.ch, 1, "duplicate submissions are not re-queued")

	generated, err := svc.Submit(ctx, SubmitRequest{Node: "test.echo", MaxPolls: 7})
	require.NoError(t, err)
	assert.Len(t, generated.ID, 36)
	assert.Equal(t, 7, generated.MaxPolls)

	jobs, err := svc.List(ctx, WithNodes("test.echo"))
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{err: errors.New("broker down")}, echoRegistry(t), 3)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{ID: "j1", Node: "test.echo"})
	require.Error(t, err)
	assert.Equal(t, CodeJobPublish, xerrors.CodeOf(err))

	job, getErr := store.Get(ctx, "j1")
	require.NoError(t, getErr)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(CodeJobPublish), job.ErrorCode)
}

// markFailedErrorStore rejects every MarkFailed call.
type markFailedErrorStore struct {
	*MemoryStore
}

func (s markFailedErrorStore) MarkFailed(context.Context, string, xerrors.Code, string, bool) error {
	return errors.New("mysql: read-only transaction")
}

func TestServiceSubmitLogsMarkFailedError(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "piper.log")
	require.NoError(t, logger.Init(logger.Config{OutputPaths: []string{logPath}}))
	t.Cleanup(func() { _ = logger.Init(logger.Config{}) })

	store := markFailedErrorStore{MemoryStore: NewMemoryStore()}
	svc := NewService(store, failingProducer{err: errors.New("broker down")}, echoRegistry(t), 3)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{ID: "j1", Node: "test.echo"})
	require.Error(t, err)
	assert.Equal(t, CodeJobPublish, xerrors.CodeOf(err))

	job, getErr := store.Get(ctx, "j1")
	require.NoError(t, getErr)
	assert.Equal(t, StatusPending, job.Status, "the failed write leaves the job for resume")

	data, readErr := os.ReadFile(logPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "mysql: read-only transaction")
	assert.Contains(t, string(data), `"job_id":"j1"`)
}

func TestServiceSubmitDefaultsToNodePollBudget(t *testing.T) {
	registry := echoRegistry(t)
	require.NoError(t, registry.Register(nodes.Definition{
		Name:          "test.slow",
		CheckInterval: 15 * time.Second,
		MaxAttempts:   120,
		Run: func(context.Context, node.Env, node.Inputs, *node.State) (node.Signal, error) {
			return node.Repeat{Delay: time.Second}, nil
		},
	}))
	svc := NewService(NewMemoryStore(), NewMemoryQueue(4), registry, 3)
	ctx := context.Background()

	slow, err := svc.Submit(ctx, SubmitRequest{Node: "test.slow"})
	require.NoError(t, err)
	assert.Equal(t, 121, slow.MaxPolls)

	capped, err := svc.Submit(ctx, SubmitRequest{Node: "test.slow", MaxPolls: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, capped.MaxPolls)

	echo, err := svc.Submit(ctx, SubmitRequest{Node: "test.echo"})
	require.NoError(t, err)
	assert.Equal(t, runner.DefaultMaxAttempts, echo.MaxPolls)
}

func TestServiceWaitUntilCompletedHonoursContext(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(4), echoRegistry(t), 3)
	job, err := svc.Submit(context.Background(), SubmitRequest{Node: "test.echo"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = svc.WaitUntilCompleted(ctx, job.ID, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceResumeRequeuesUnfinishedJobs(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	svc := NewService(store, queue, echoRegistry(t), 3)
	ctx := context.Background()

	for _, job := range []*Job{
		{ID: "pending", Node: "test.echo", Status: StatusPending},
		{ID: "running", Node: "test.echo", Status: StatusRunning},
		{ID: "waiting", Node: "test.echo", Status: StatusWaiting, NextRunAt: time.Now().Add(time.Hour).UnixMilli()},
		{ID: "done", Node: "test.echo", Status: StatusSucceeded},
		{ID: "failed", Node: "test.echo", Status: StatusFailed},
	} {
		require.NoError(t, store.Create(ctx, job))
	}

	report, err := svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResumeReport{Pending: 1, Waiting: 1, Released: 1}, report)

	running, err := store.Get(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, running.Status)

	assert.Len(t, queue.ch, 2)
	assert.Equal(t, 1, queue.Pending())
	require.NoError(t, queue.Close())
}
