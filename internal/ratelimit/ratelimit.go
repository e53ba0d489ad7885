// Package ratelimit provides a pluggable rate limiting interface.
//
// Two implementations cover the router's needs: an in-memory token bucket
// (MemoryLimiter) guarding the token endpoint by caller IP on a single
// instance, and a sliding-window counter (Window) over the working-memory
// tier for the email pipeline's sender and domain quotas, which must hold
// across replicas.
package ratelimit

import "context"

// Limiter decides whether an event identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the event should proceed. The key is opaque to
	// the limiter; callers construct it (a caller IP, "email:sender:<addr>",
	// "email:domain:<host>"). Returning an error signals a limiter
	// malfunction; callers should treat errors as fail-open (permit the
	// event) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every event. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
