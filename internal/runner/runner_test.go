package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piper-nodes/internal/node"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

// countdown returns Repeat n times, then Next.
func countdown(n int, calls *int, states *[]*node.State) node.Func {
	return func(_ context.Context, _ node.Env, _ node.Inputs, state *node.State) (node.Signal, error) {
		*calls++
		*states = append(*states, state)
		if state == nil {
			return node.Repeat{State: node.NewState("t1", "", time.Now()), Delay: 3 * time.Second}, nil
		}
		if state.Attempt >= n {
			return node.NextOf(map[string]any{"done": true}, 0.5), nil
		}
		return node.Repeat{State: state.Next()}, nil
	}
}

func TestRunConvergesOnNext(t *testing.T) {
	var calls int
	var states []*node.State
	sleeper := &recordingSleeper{}

	result, err := Run(context.Background(), countdown(3, &calls, &states), node.Env{}, nil, WithSleeper(sleeper.sleep))
	require.NoError(t, err)

	assert.Equal(t, 5, calls)
	assert.Equal(t, true, result.Outputs["done"])
	assert.Equal(t, 0.5, result.Costs)
	assert.Nil(t, states[0])
	for i := 1; i < len(states); i++ {
		assert.Equal(t, i-1, states[i].Attempt)
	}
	assert.Equal(t, []time.Duration{3 * time.Second, DefaultDelay, DefaultDelay, DefaultDelay}, sleeper.delays)
}

func TestRunMaxAttemptsExceeded(t *testing.T) {
	var calls int
	forever := func(_ context.Context, _ node.Env, _ node.Inputs, _ *node.State) (node.Signal, error) {
		calls++
		return node.Repeat{Delay: time.Millisecond}, nil
	}

	_, err := Run(context.Background(), forever, node.Env{}, nil,
		WithMaxAttempts(4), WithSleeper((&recordingSleeper{}).sleep))
	require.Error(t, err)
	assert.Equal(t, node.KindProtocol, node.KindOf(err))
	assert.Contains(t, err.Error(), "max attempts exceeded")
	assert.Equal(t, 4, calls)
}

func TestRunRejectsUnknownShape(t *testing.T) {
	for name, signal := range map[string]node.Signal{
		"nil":          nil,
		"nil next ptr": (*node.Next)(nil),
	} {
		t.Run(name, func(t *testing.T) {
			fn := func(context.Context, node.Env, node.Inputs, *node.State) (node.Signal, error) {
				return signal, nil
			}
			_, err := Run(context.Background(), fn, node.Env{}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "unknown result shape")
		})
	}
}

func TestRunAcceptsPointerSignals(t *testing.T) {
	first := true
	fn := func(context.Context, node.Env, node.Inputs, *node.State) (node.Signal, error) {
		if first {
			first = false
			return &node.Repeat{State: node.State{Task: "p"}}, nil
		}
		return &node.Next{Outputs: map[string]any{"ok": 1}}, nil
	}
	result, err := Run(context.Background(), fn, node.Env{}, nil, WithSleeper((&recordingSleeper{}).sleep))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Outputs["ok"])
}

func TestRunPassesErrorsThrough(t *testing.T) {
	boom := node.Fatal("t9", "provider says no")
	fn := func(context.Context, node.Env, node.Inputs, *node.State) (node.Signal, error) {
		return nil, boom
	}
	_, err := Run(context.Background(), fn, node.Env{}, nil)
	assert.Same(t, boom, err)
}

func TestRunResumesFromInitialState(t *testing.T) {
	var seen *node.State
	fn := func(_ context.Context, _ node.Env, _ node.Inputs, state *node.State) (node.Signal, error) {
		seen = state
		return node.NextOf(nil, 0), nil
	}
	_, err := Run(context.Background(), fn, node.Env{}, nil, WithInitialState(node.State{Task: "restored", Attempt: 12}))
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "restored", seen.Task)
	assert.Equal(t, 12, seen.Attempt)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fn := func(context.Context, node.Env, node.Inputs, *node.State) (node.Signal, error) {
		cancel()
		return node.Repeat{Delay: time.Hour}, nil
	}
	_, err := Run(ctx, fn, node.Env{}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunObserverSeesEverySignal(t *testing.T) {
	var calls int
	var states []*node.State
	var observed []int
	_, err := Run(context.Background(), countdown(1, &calls, &states), node.Env{}, nil,
		WithSleeper((&recordingSleeper{}).sleep),
		WithObserver(func(attempt int, _ node.Signal) { observed = append(observed, attempt) }))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, observed)
}

func TestRunNilFunc(t *testing.T) {
	_, err := Run(context.Background(), nil, node.Env{}, nil)
	assert.Equal(t, node.KindProtocol, node.KindOf(err))
}

func TestNormalize(t *testing.T) {
	sig, err := Normalize(&node.Repeat{Delay: time.Second})
	require.NoError(t, err)
	assert.Equal(t, node.Repeat{Delay: time.Second}, sig)

	sig, err = Normalize(node.Next{Costs: 1.0})
	require.NoError(t, err)
	assert.Equal(t, node.Next{Costs: 1.0}, sig)

	var nilNext *node.Next
	_, err = Normalize(nilNext)
	assert.Equal(t, node.KindProtocol, node.KindOf(err))

	_, err = Normalize(nil)
	assert.Equal(t, node.KindProtocol, node.KindOf(err))
}
