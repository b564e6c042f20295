package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/despacho-tracker/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec = 20
	defaultKeyPrefix   = "ratelimit"
	window             = time.Second
	// Counters outlive their window so a slow clock on another process still sees them.
	counterTTL = 2 * window
)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter counts units per key in fixed one-second windows shared by every process.
// The api limits scans per station and the worker limits manifest mails on one shared key.
type RedisRateLimiter struct {
	client *goredis.Client
	prefix string
	limit  int64
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, prefix string, limitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, prefix, limitPerSec, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	prefix string,
	limitPerSec int,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix = strings.Trim(strings.TrimSpace(prefix), ":"); prefix == "" {
		prefix = defaultKeyPrefix
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limitPerSec),
		now:    nowFn,
		sleep:  sleepFn,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, _, err := r.take(ctx, key)
	return allowed, err
}

// Wait retries at each window boundary until a unit is granted.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string) error {
	for {
		allowed, windowStart, err := r.take(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		delay := windowStart.Add(window).Sub(r.now())
		if delay <= 0 {
			continue
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) take(ctx context.Context, key string) (bool, time.Time, error) {
	if r == nil || r.client == nil {
		return false, time.Time{}, fmt.Errorf("rate limiter is not initialized")
	}
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false, time.Time{}, fmt.Errorf("rate limit key is required")
	}

	windowStart := r.now().UTC().Truncate(window)
	counterKey := fmt.Sprintf("%s:%s:%d", r.prefix, normalized, windowStart.Unix())

	var incr *goredis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, counterKey)
		pipe.Expire(ctx, counterKey, counterTTL)
		return nil
	})
	if err != nil {
		return false, windowStart, fmt.Errorf("failed to count %s: %w", counterKey, err)
	}

	return incr.Val() <= r.limit, windowStart, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
