// Package runner drives a node to completion in-process: it invokes the node,
// sleeps whenever the node answers Repeat and stops on Next, an error, or
// the global attempt ceiling.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"piper-nodes/internal/node"
	"piper-nodes/pkg/logger"
)

const (
	// DefaultMaxAttempts bounds the number of Repeat signals honoured per run,
	// independently of any provider client's own attempt budget.
	DefaultMaxAttempts = 100
	// DefaultDelay is used when a Repeat signal carries no delay.
	DefaultDelay = time.Second
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Observer is notified of every signal a node returns, before the driver acts
// on it. attempt is the number of Repeat signals honoured so far.
type Observer func(attempt int, signal node.Signal)

type options struct {
	maxAttempts  int
	defaultDelay time.Duration
	initial      *node.State
	sleep        Sleeper
	logger       *slog.Logger
	observer     Observer
}

// Option customises Run.
type Option func(*options)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithDefaultDelay overrides DefaultDelay.
func WithDefaultDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.defaultDelay = d
		}
	}
}

// WithInitialState resumes a run from a state produced earlier, for example
// one restored from durable storage.
func WithInitialState(state node.State) Option {
	return func(o *options) {
		s := state
		o.initial = &s
	}
}

// WithSleeper replaces the wall-clock sleep between invocations.
func WithSleeper(s Sleeper) Option {
	return func(o *options) {
		if s != nil {
			o.sleep = s
		}
	}
}

// WithLogger sets the logger used for per-attempt debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver registers a callback for every returned signal.
func WithObserver(fn Observer) Option {
	return func(o *options) {
		o.observer = fn
	}
}

// Run invokes fn until it returns Next. Errors returned by fn are passed
// through untouched; the driver only interprets the two control signals.
func Run(ctx context.Context, fn node.Func, env node.Env, inputs node.Inputs, opts ...Option) (node.Next, error) {
	if fn == nil {
		return node.Next{}, node.ProtocolError("node function is nil")
	}
	o := options{
		maxAttempts:  DefaultMaxAttempts,
		defaultDelay: DefaultDelay,
		sleep:        Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Named("runner")
	}

	state := o.initial
	for attempts := 0; attempts < o.maxAttempts; {
		signal, err := fn(ctx, env, inputs, state)
		if err != nil {
			return node.Next{}, err
		}
		if o.observer != nil {
			o.observer(attempts, signal)
		}

		normalized, err := Normalize(signal)
		if err != nil {
			return node.Next{}, err
		}
		if next, ok := normalized.(node.Next); ok {
			return next, nil
		}
		repeat := normalized.(node.Repeat)
		resumed := repeat.State
		state = &resumed
		if err := o.wait(ctx, repeat.Delay, attempts); err != nil {
			return node.Next{}, err
		}
		attempts++
	}
	return node.Next{}, node.ProtocolError(fmt.Sprintf("max attempts exceeded (%d)", o.maxAttempts))
}

func (o *options) wait(ctx context.Context, delay time.Duration, attempts int) error {
	if delay <= 0 {
		delay = o.defaultDelay
	}
	o.logger.Debug("repeat node",
		slog.Int("attempt", attempts),
		slog.Int("max_attempts", o.maxAttempts),
		slog.Duration("delay", delay),
	)
	return o.sleep(ctx, delay)
}

// Normalize returns signal as a node.Next or node.Repeat value, dereferencing
// pointer forms. Anything else, nil included, is a protocol error.
func Normalize(signal node.Signal) (node.Signal, error) {
	switch s := signal.(type) {
	case node.Next:
		return s, nil
	case node.Repeat:
		return s, nil
	case *node.Next:
		if s != nil {
			return *s, nil
		}
	case *node.Repeat:
		if s != nil {
			return *s, nil
		}
	}
	return nil, unknownShape(signal)
}

func unknownShape(signal node.Signal) error {
	return node.ProtocolError(fmt.Sprintf("unknown result shape: %#v", signal))
}

// Sleep waits for d on the wall clock, returning early with ctx.Err() when the
// context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
