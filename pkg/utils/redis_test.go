package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestAcquireLock_SingleHolder(t *testing.T) {
	rdb, mr := newTestRedis(t)
	ctx := context.Background()

	ok, err := AcquireLock(ctx, rdb, "call_lock:a", "t1", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got %v %v", ok, err)
	}
	ok, err = AcquireLock(ctx, rdb, "call_lock:a", "t2", 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ok {
		t.Fatalf("expected second acquire to fail")
	}

	mr.FastForward(11 * time.Second)
	ok, err = AcquireLock(ctx, rdb, "call_lock:a", "t2", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected acquire after expiry, got %v %v", ok, err)
	}
}

func TestReleaseLock_ComparesToken(t *testing.T) {
	rdb, mr := newTestRedis(t)
	ctx := context.Background()

	if ok, _ := AcquireLock(ctx, rdb, "call_lock:a", "t1", 10*time.Second); !ok {
		t.Fatalf("acquire failed")
	}
	released, err := ReleaseLock(ctx, rdb, "call_lock:a", "other")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if released || !mr.Exists("call_lock:a") {
		t.Fatalf("foreign token must not release the lock")
	}

	released, err = ReleaseLock(ctx, rdb, "call_lock:a", "t1")
	if err != nil || !released {
		t.Fatalf("expected release, got %v %v", released, err)
	}
	if mr.Exists("call_lock:a") {
		t.Fatalf("expected key deleted")
	}
}

func TestAcquireLock_ValidatesArgs(t *testing.T) {
	rdb, _ := newTestRedis(t)
	if _, err := AcquireLock(context.Background(), rdb, "", "t", time.Second); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := AcquireLock(context.Background(), rdb, "k", "t", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	if _, err := AcquireLock(context.Background(), nil, "k", "t", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
