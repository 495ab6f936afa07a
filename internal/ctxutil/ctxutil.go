// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server
// and the outbound clients: server's middleware stamps every inbound
// request with an id, and the HTTP clients attach that id to the call
// records they emit. Both sides import ctxutil instead of each other.
// The orchestrator reuses the same key to correlate a sync session's
// outbound traffic.
package ctxutil

import "context"

type contextKey string

const keyCorrelationID contextKey = "correlation_id"

// WithCorrelationID returns a new context carrying the given id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyCorrelationID, id)
}

// CorrelationID extracts the correlation id from the context, or "".
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(keyCorrelationID).(string); ok {
		return v
	}
	return ""
}
