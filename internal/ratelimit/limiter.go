package ratelimit

import "context"

// RateLimiter bounds throughput per key within a fixed one-second window.
type RateLimiter interface {
	// Allow reports whether one more unit fits in the current window for key.
	Allow(ctx context.Context, key string) (bool, error)
	// Wait blocks until a unit for key is available or ctx is done.
	Wait(ctx context.Context, key string) error
}
