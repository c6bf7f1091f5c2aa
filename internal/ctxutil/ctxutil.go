// Package ctxutil provides shared context key accessors.
//
// This package exists so that the threat classifier, the audit trail, and the
// routing path can all read the caller identity and request ID that the
// orchestrator populates, without importing each other or the root package.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	keyCaller    contextKey = "caller"
	keyRequestID contextKey = "request_id"
)

// WithCaller returns a new context carrying the calling identity.
func WithCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, keyCaller, callerID)
}

// CallerFromContext extracts the calling identity from the context.
// Returns "" when no caller was recorded.
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyCaller).(string); ok {
		return v
	}
	return ""
}

// WithRequestID returns a new context carrying the per-request UUID.
func WithRequestID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request UUID from the context.
func RequestIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyRequestID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
