package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"piper-nodes/internal/node"
	"piper-nodes/internal/observability/metrics"
	"piper-nodes/pkg/logger"
)

const (
	DefaultCheckInterval = 3 * time.Second
	DefaultMaxAttempts   = 100
	defaultHTTPTimeout   = 60 * time.Second
	cancelTimeout        = 10 * time.Second
	maxResponseBytes     = 32 << 20
)

// Client drives remote tasks of one provider. Its configuration is fixed at
// construction, so a Client is safe for concurrent use.
type Client struct {
	strategy      Strategy
	checkInterval time.Duration
	maxAttempts   int
	httpClient    *http.Client
	limiter       *rate.Limiter
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCheckInterval sets the delay between polls.
func WithCheckInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.checkInterval = d
		}
	}
}

// WithMaxAttempts sets how many polls a running task gets before it is
// cancelled and reported as timed out.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit caps outgoing requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLimiter shares an existing limiter between clients, typically all
// clients of one provider account.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		if l != nil {
			c.limiter = l
		}
	}
}

// WithClock replaces time.Now, used for StartedAt and timeout reporting.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a Client for strategy.
func New(strategy Strategy, opts ...Option) *Client {
	c := &Client{
		strategy:      strategy,
		checkInterval: DefaultCheckInterval,
		maxAttempts:   DefaultMaxAttempts,
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = logger.Named("provider").With(slog.String("provider", strategy.Name()))
	}
	return c
}

// CheckInterval returns the configured poll delay.
func (c *Client) CheckInterval() time.Duration { return c.checkInterval }

// MaxAttempts returns the configured poll budget.
func (c *Client) MaxAttempts() int { return c.maxAttempts }

// CreateTask submits payload to endpoint and returns the Repeat signal that
// starts polling. Submission failures are fatal and never retried.
func (c *Client) CreateTask(ctx context.Context, endpoint string, payload any) (node.Repeat, error) {
	req, err := c.strategy.SubmitRequest(ctx, endpoint, payload)
	if err != nil {
		return node.Repeat{}, node.FatalWrap("", err, "build submit request")
	}
	c.logger.Info("sending task", slog.String("endpoint", endpoint))

	body, err := c.send("submit", req)
	if err != nil {
		return node.Repeat{}, err
	}
	id, err := c.strategy.DecodeSubmit(body)
	if err != nil {
		return node.Repeat{}, node.FatalWrap("", err, "decode submit response")
	}
	if id == "" {
		return node.Repeat{}, node.Fatal("", "provider returned no task id")
	}
	c.logger.Info("task created", slog.String("task_id", id))

	return node.Repeat{
		State:    node.NewState(id, endpoint, c.now()),
		Delay:    c.checkInterval,
		Progress: &node.Progress{Processed: 0, Total: c.maxAttempts},
	}, nil
}

// CheckTask polls the task in state once.
func (c *Client) CheckTask(ctx context.Context, state node.State) (Outcome, error) {
	c.logger.Debug("check task", slog.String("task_id", state.Task), slog.Int("attempt", state.Attempt))

	req, err := c.strategy.StatusRequest(ctx, state)
	if err != nil {
		return Outcome{}, node.FatalWrap(state.Task, err, "build status request")
	}
	body, err := c.send("status", req)
	if err != nil {
		return Outcome{}, node.WithTask(err, state.Task)
	}
	task, err := c.strategy.DecodeStatus(body)
	if err != nil {
		return Outcome{}, node.FatalWrap(state.Task, err, "decode status response")
	}

	switch {
	case task.Status.Pending():
		if state.Attempt >= c.maxAttempts {
			c.cancelQuietly(ctx, state)
			metrics.ObservePoll(c.strategy.Name(), "timeout")
			return Outcome{}, node.Timeout(state.Task, state.Elapsed(c.now()))
		}
		metrics.ObservePoll(c.strategy.Name(), "running")
		return StillRunning(node.Repeat{
			State:    state.Next(),
			Delay:    c.checkInterval,
			Progress: &node.Progress{Processed: state.Attempt, Total: c.maxAttempts},
		}), nil

	case task.Status == StatusSucceeded:
		metrics.ObservePoll(c.strategy.Name(), "succeeded")
		result := task.Result
		if fetcher, ok := c.strategy.(ResultFetcher); ok {
			result, err = c.fetchResult(ctx, fetcher, state)
			if err != nil {
				return Outcome{}, err
			}
		}
		c.logger.Info("task completed", slog.String("task_id", state.Task), slog.Int("attempt", state.Attempt))
		return Ready(result), nil

	case task.Status == StatusFailed || task.Status == StatusCanceled:
		metrics.ObservePoll(c.strategy.Name(), "failed")
		message := task.Error
		if message == "" {
			message = fmt.Sprintf("task %s %s", state.Task, task.Status)
		}
		return Outcome{}, node.Fatal(state.Task, message)

	default:
		metrics.ObservePoll(c.strategy.Name(), "unknown")
		return Outcome{}, node.ProtocolError(fmt.Sprintf("unknown task status %q", task.Raw))
	}
}

// CancelTask asks the provider to stop the task. Providers treat this as
// advisory; a nil error does not guarantee the task stopped.
func (c *Client) CancelTask(ctx context.Context, state node.State) error {
	req, err := c.strategy.CancelRequest(ctx, state)
	if err != nil {
		return node.FatalWrap(state.Task, err, "build cancel request")
	}
	c.logger.Debug("cancel task", slog.String("task_id", state.Task))
	_, err = c.send("cancel", req)
	return err
}

func (c *Client) cancelQuietly(ctx context.Context, state node.State) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := c.CancelTask(cctx, state); err != nil {
		c.logger.Warn("cancel task failed", slog.String("task_id", state.Task), slog.Any("error", err))
	}
}

func (c *Client) fetchResult(ctx context.Context, fetcher ResultFetcher, state node.State) ([]byte, error) {
	req, err := fetcher.ResultRequest(ctx, state)
	if err != nil {
		return nil, node.FatalWrap(state.Task, err, "build result request")
	}
	body, err := c.send("result", req)
	if err != nil {
		return nil, node.WithTask(err, state.Task)
	}
	result, err := fetcher.DecodeResult(body)
	if err != nil {
		return nil, node.FatalWrap(state.Task, err, "decode result response")
	}
	return result, nil
}

// send authorises and performs req, returning the body of a 2xx response.
// Anything else becomes a fatal node error.
func (c *Client) send(operation string, req *http.Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, node.FatalWrap("", err, fmt.Sprintf("%s: rate limiter", operation))
		}
	}
	c.strategy.Authorize(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveProviderRequest(c.strategy.Name(), operation, 0, time.Since(start))
		return nil, node.FatalWrap("", err, fmt.Sprintf("%s request to %s failed", operation, c.strategy.Name()))
	}
	defer resp.Body.Close()
	metrics.ObserveProviderRequest(c.strategy.Name(), operation, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, node.FatalWrap("", err, fmt.Sprintf("read %s response", operation))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := c.strategy.DecodeError(resp.StatusCode, body)
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, node.Fatal("", message)
	}
	return body, nil
}
