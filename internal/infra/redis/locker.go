package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/despacho-tracker/internal/ratelimit"
)

const defaultLockTTL = 30 * time.Second

var _ ratelimit.Locker = (*Locker)(nil)

// Locker hands out short-lived distributed locks, one per manifest delivery.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewLocker(client *goredis.Client, ttl time.Duration) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Locker{client: redislock.New(client), ttl: ttl}, nil
}

// Acquire obtains the lock for key without waiting. The returned release func is safe to
// call after the lock has expired.
func (l *Locker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, "lock:"+key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ratelimit.ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %q: %w", key, err)
	}

	return func(ctx context.Context) error {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}, nil
}
