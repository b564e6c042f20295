package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRedisRateLimiterWindows(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		limit int
		calls []struct {
			key     string
			advance time.Duration
			want    bool
		}
	}{
		{
			name:  "limit resets on the next second",
			limit: 2,
			calls: []struct {
				key     string
				advance time.Duration
				want    bool
			}{
				{key: "station:dock-1", want: true},
				{key: "station:dock-1", want: true},
				{key: "station:dock-1", want: false},
				{key: "station:dock-1", advance: time.Second, want: true},
			},
		},
		{
			name:  "stations are counted separately",
			limit: 1,
			calls: []struct {
				key     string
				advance time.Duration
				want    bool
			}{
				{key: "station:dock-1", want: true},
				{key: "station:dock-2", want: true},
				{key: "STATION:DOCK-1", want: false},
			},
		},
		{
			name:  "same second keeps counting after sub-second drift",
			limit: 1,
			calls: []struct {
				key     string
				advance time.Duration
				want    bool
			}{
				{key: "mail", want: true},
				{key: "mail", advance: 900 * time.Millisecond, want: false},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, rdb := newTestMiniredis(t)
			now := time.Unix(1_700_000_000, 0)
			limiter, err := newRedisRateLimiter(rdb, "ratelimit:scan", tt.limit, func() time.Time { return now }, nil)
			if err != nil {
				t.Fatalf("newRedisRateLimiter() error = %v", err)
			}

			for i, call := range tt.calls {
				now = now.Add(call.advance)
				got, err := limiter.Allow(context.Background(), call.key)
				if err != nil {
					t.Fatalf("call %d: Allow() error = %v", i, err)
				}
				if got != call.want {
					t.Fatalf("call %d: Allow(%q) = %v, want %v", i, call.key, got, call.want)
				}
			}
		})
	}
}

func TestRedisRateLimiterWaitSleepsToNextWindow(t *testing.T) {
	t.Parallel()

	_, rdb := newTestMiniredis(t)
	now := time.Unix(1_700_000_200, 0).Add(300 * time.Millisecond)
	var slept []time.Duration
	limiter, err := newRedisRateLimiter(rdb, "ratelimit:mail", 1,
		func() time.Time { return now },
		func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			now = now.Add(d)
			return nil
		},
	)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}

	if err := limiter.Wait(context.Background(), "relay"); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	if err := limiter.Wait(context.Background(), "relay"); err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}

	if len(slept) != 1 || slept[0] != 700*time.Millisecond {
		t.Fatalf("slept = %v, want [700ms]", slept)
	}
}

func TestRedisRateLimiterWaitHonoursContext(t *testing.T) {
	t.Parallel()

	_, rdb := newTestMiniredis(t)
	now := time.Unix(1_700_000_300, 0)
	limiter, err := newRedisRateLimiter(rdb, "ratelimit:mail", 1, func() time.Time { return now }, sleepWithContext)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}

	if ok, err := limiter.Allow(context.Background(), "relay"); err != nil || !ok {
		t.Fatalf("Allow() = %v, %v, want true", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "relay"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestRedisRateLimiterKeyLayout(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestMiniredis(t)
	now := time.Unix(1_700_000_400, 0).Add(250 * time.Millisecond)
	limiter, err := newRedisRateLimiter(rdb, " ratelimit:mail: ", 5, func() time.Time { return now }, nil)
	if err != nil {
		t.Fatalf("newRedisRateLimiter() error = %v", err)
	}

	if _, err := limiter.Allow(context.Background(), " Relay "); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}

	key := "ratelimit:mail:relay:1700000400"
	if !mr.Exists(key) {
		t.Fatalf("expected key %q, got keys %v", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl != counterTTL {
		t.Fatalf("TTL(%s) = %s, want %s", key, ttl, counterTTL)
	}
}

func TestRedisRateLimiterValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisRateLimiter(nil, "x", 1); err == nil {
		t.Fatal("NewRedisRateLimiter(nil) should fail")
	}

	_, rdb := newTestMiniredis(t)
	limiter, err := NewRedisRateLimiter(rdb, "", 0)
	if err != nil {
		t.Fatalf("NewRedisRateLimiter() error = %v", err)
	}
	if limiter.prefix != defaultKeyPrefix || limiter.limit != defaultLimitPerSec {
		t.Fatalf("defaults = %q/%d, want %q/%d", limiter.prefix, limiter.limit, defaultKeyPrefix, defaultLimitPerSec)
	}
	if _, err := limiter.Allow(context.Background(), "  "); err == nil {
		t.Fatal("Allow() should reject an empty key")
	}
}
