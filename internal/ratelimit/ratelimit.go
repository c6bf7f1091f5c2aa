// Package ratelimit provides request-rate observation for behavioral threat
// scoring.
//
// Unlike a limiter that admits or rejects, a Counter reports how many events
// a key produced inside a sliding window; callers convert the count into a
// score. The in-memory implementation suits a single process. Multi-instance
// deployments can substitute a Redis-backed implementation — the Counter
// interface is the contract.
package ratelimit

import "context"

// Counter tracks per-key event rates over a sliding window.
// Implementations must be safe for concurrent use.
type Counter interface {
	// Observe records one event for key and returns how many events the key
	// produced within the window, including this one.
	// The key is opaque — callers construct it (e.g. "caller:<id>").
	// Returning an error signals a counter malfunction; callers should treat
	// errors as fail-open (score the stage as zero) rather than blocking traffic.
	Observe(ctx context.Context, key string) (int, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopCounter reports zero for every key. Used when behavioral rate scoring
// is disabled.
type NoopCounter struct{}

// Observe always returns zero.
func (NoopCounter) Observe(context.Context, string) (int, error) { return 0, nil }

// Close is a no-op.
func (NoopCounter) Close() error { return nil }
