package tools

import "context"

type contextKey string

const (
	dispatchIDKey contextKey = "dispatch_id"
	invokerKey    contextKey = "invoker"
)

// Invoker identifies the chat user on whose behalf a dispatch runs.
type Invoker struct {
	ID   string
	Name string
}

// WithDispatchID tags the context with the dispatch ID so tool handlers
// and sub-agents can correlate their logs.
func WithDispatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, dispatchIDKey, id)
}

// DispatchIDFromContext returns the dispatch ID, or "" if unset.
func DispatchIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(dispatchIDKey).(string)
	return id
}

// WithInvoker attaches the invoking user to the context.
func WithInvoker(ctx context.Context, inv Invoker) context.Context {
	return context.WithValue(ctx, invokerKey, inv)
}

// InvokerFromContext returns the invoking user and whether one was set.
func InvokerFromContext(ctx context.Context) (Invoker, bool) {
	inv, ok := ctx.Value(invokerKey).(Invoker)
	return inv, ok
}
