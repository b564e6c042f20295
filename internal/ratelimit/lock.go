package ratelimit

import (
	"context"
	"errors"
)

// ErrLockHeld is returned when another worker holds the lock.
var ErrLockHeld = errors.New("lock held by another worker")

// Locker grants short-lived exclusive ownership of a key across processes.
type Locker interface {
	// Acquire obtains the lock without waiting. The returned func releases it.
	Acquire(ctx context.Context, key string) (func(context.Context) error, error)
}
