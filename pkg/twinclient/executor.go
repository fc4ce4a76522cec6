package twinclient

import (
	"context"
	"fmt"
)

// Executor adapts the Twin Client to kernel.Executor: it resolves a tool
// name to the OperationRef that describes how to invoke it, so the kernel
// itself never needs to know about AAS invoke URLs, delegated jobs, or
// HTTP at all.
type Executor struct {
	client *Client
	refs   map[string]OperationRef
}

// NewExecutor builds an Executor over a fixed tool-name → OperationRef
// map, built once at startup by the caller.
func NewExecutor(client *Client, refs map[string]OperationRef) *Executor {
	return &Executor{client: client, refs: refs}
}

// Execute satisfies kernel.Executor.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]any, simulate bool, idempotencyKey string) (map[string]any, error) {
	ref, ok := e.refs[toolName]
	if !ok {
		return nil, fmt.Errorf("%w: no operation registered for tool %q", ErrMalformedInput, toolName)
	}
	return e.client.Invoke(ctx, ref, args, simulate, idempotencyKey)
}
