package node

import (
	"context"
	"fmt"
)

// Executor runs a capability the router matched. The node core never
// contains backend-specific code: LLM chat, vision, device control all
// live behind this boundary. The label is the capability's handler tag;
// the payload is request-specific and passed through untouched.
type Executor interface {
	Execute(ctx context.Context, label string, payload map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, label string, payload map[string]any) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, label string, payload map[string]any) (map[string]any, error) {
	return f(ctx, label, payload)
}

// EchoExecutor answers every request with the capability label and the
// payload it got. Useful for smoke tests and nodes that only route.
type EchoExecutor struct{}

func (EchoExecutor) Execute(_ context.Context, label string, payload map[string]any) (map[string]any, error) {
	return map[string]any{
		"echo":    true,
		"label":   label,
		"payload": payload,
	}, nil
}

// errNoExecutor is returned for execution requests on a node with no
// executor attached.
var errNoExecutor = fmt.Errorf("no executor attached")
