package nodes

import (
	"context"

	"piper-nodes/internal/node"
	"piper-nodes/internal/provider"
)

// submit adapts CreateTask to the node.Func result shape.
func submit(ctx context.Context, client *provider.Client, endpoint string, payload any) (node.Signal, error) {
	repeat, err := client.CreateTask(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	return repeat, nil
}

// poll checks the task once. While it runs the Repeat signal is returned
// as-is; once ready, finish turns the payload into the node's Next.
func poll(ctx context.Context, client *provider.Client, state node.State, finish func(provider.Outcome) (node.Next, error)) (node.Signal, error) {
	outcome, err := client.CheckTask(ctx, state)
	if err != nil {
		return nil, err
	}
	if repeat, ok := outcome.Repeat(); ok {
		return repeat, nil
	}
	next, err := finish(outcome)
	if err != nil {
		return nil, node.WithTask(err, state.Task)
	}
	return next, nil
}


func required(inputs node.Inputs, keys ...string) error {
	for _, key := range keys {
		if !inputs.Has(key) {
			return node.Fatal("", key+" is required")
		}
	}
	return nil
}
