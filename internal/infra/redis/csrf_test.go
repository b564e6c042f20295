package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/despacho-tracker/internal/ratelimit"
)

func TestTokenStoreIssueAndValidate(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestMiniredis(t)

	store, err := NewTokenStore(rdb, time.Minute)
	if err != nil {
		t.Fatalf("NewTokenStore() error = %v", err)
	}

	token, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if token == "" {
		t.Fatal("Issue() returned empty token")
	}

	ok, err := store.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !ok {
		t.Fatal("issued token should validate")
	}

	mr.FastForward(2 * time.Minute)

	ok, err = store.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() after expiry error = %v", err)
	}
	if ok {
		t.Fatal("expired token should not validate")
	}
}

func TestTokenStoreRejectsUnknownTokens(t *testing.T) {
	t.Parallel()

	_, rdb := newTestMiniredis(t)

	store, err := NewTokenStore(rdb, 0)
	if err != nil {
		t.Fatalf("NewTokenStore() error = %v", err)
	}

	for _, token := range []string{"", "   ", "not-issued"} {
		ok, err := store.Validate(context.Background(), token)
		if err != nil {
			t.Fatalf("Validate(%q) error = %v", token, err)
		}
		if ok {
			t.Fatalf("Validate(%q) = true, want false", token)
		}
	}
}

func TestLockerAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	_, rdb := newTestMiniredis(t)

	locker, err := NewLocker(rdb, time.Minute)
	if err != nil {
		t.Fatalf("NewLocker() error = %v", err)
	}

	release, err := locker.Acquire(context.Background(), "manifest:b1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := locker.Acquire(context.Background(), "manifest:b1"); !errors.Is(err, ratelimit.ErrLockHeld) {
		t.Fatalf("second Acquire() error = %v, want ErrLockHeld", err)
	}

	otherRelease, err := locker.Acquire(context.Background(), "manifest:b2")
	if err != nil {
		t.Fatalf("Acquire(other key) error = %v", err)
	}
	_ = otherRelease(context.Background())

	if err := release(context.Background()); err != nil {
		t.Fatalf("release() error = %v", err)
	}

	again, err := locker.Acquire(context.Background(), "manifest:b1")
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = again(context.Background())
}

func newTestMiniredis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return mr, rdb
}
