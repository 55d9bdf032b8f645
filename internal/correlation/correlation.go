// Package correlation propagates the identity of the currently active
// request (its correlation id and, when tracing is enabled, its trace
// context) through context.Context values.
//
// Contexts give copy-on-branch semantics for free: a goroutine spawned with
// the parent's context inherits the values bound at spawn time, and nothing
// a child binds ever flows back to the parent. Absence of a value is never
// an error; every consumer degrades to a no-op so untracked work runs
// unchanged.
package correlation

import (
	"context"

	"github.com/radarhq/radar/internal/tracing"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	traceKey
)

// WithRequestID binds a correlation id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the bound correlation id, or false when code runs
// outside any tracked unit of work.
func RequestID(ctx context.Context) (string, bool) {
	rid, ok := ctx.Value(requestIDKey).(string)
	return rid, ok && rid != ""
}

// WithTrace binds an active trace context.
func WithTrace(ctx context.Context, tc *tracing.Context) context.Context {
	return context.WithValue(ctx, traceKey, tc)
}

// Trace returns the bound trace context, or nil when tracing is disabled or
// the caller runs outside a tracked request.
func Trace(ctx context.Context) *tracing.Context {
	tc, _ := ctx.Value(traceKey).(*tracing.Context)
	return tc
}

// Detach returns a context with all correlation values removed. Used at
// unit-of-work exit so identity never leaks across reuse of a pooled
// executor.
func Detach(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, "")
	return context.WithValue(ctx, traceKey, (*tracing.Context)(nil))
}
