package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCap(t *testing.T, limit int) (*miniredis.Miniredis, *ConcurrencyCap) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c, err := NewConcurrencyCap(rdb, "calls:live:", limit, time.Hour)
	if err != nil {
		t.Fatalf("new cap: %v", err)
	}
	return mr, c
}

func TestConcurrencyCap_LimitAndIdempotentRelease(t *testing.T) {
	_, c := newTestCap(t, 1)
	ctx := context.Background()

	if ok, err := c.Acquire(ctx, "t1", "c1"); err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.Acquire(ctx, "t1", "c2"); ok {
		t.Fatalf("second holder must be rejected")
	}
	if ok, _ := c.Acquire(ctx, "t1", "c1"); !ok {
		t.Fatalf("same holder must be re-admitted")
	}
	if ok, _ := c.Acquire(ctx, "t2", "c2"); !ok {
		t.Fatalf("other key must be independent")
	}

	// Both parties report the end; the second release must not free c3's slot.
	if err := c.Release(ctx, "t1", "c1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := c.Acquire(ctx, "t1", "c3"); !ok {
		t.Fatalf("slot should be free after release")
	}
	if err := c.Release(ctx, "t1", "c1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if ok, _ := c.Acquire(ctx, "t1", "c4"); ok {
		t.Fatalf("duplicate release freed another holder's slot")
	}
}

func TestConcurrencyCap_StaleHoldersExpire(t *testing.T) {
	_, c := newTestCap(t, 1)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	if ok, _ := c.Acquire(ctx, "t1", "c1"); !ok {
		t.Fatalf("acquire failed")
	}
	now = now.Add(time.Hour + time.Second)
	if ok, err := c.Acquire(ctx, "t1", "c2"); err != nil || !ok {
		t.Fatalf("stale holder should have expired: ok=%v err=%v", ok, err)
	}
}

func TestConcurrencyCap_KeyTTL(t *testing.T) {
	mr, c := newTestCap(t, 2)
	if ok, _ := c.Acquire(context.Background(), "t1", "c1"); !ok {
		t.Fatalf("acquire failed")
	}
	if ttl := mr.TTL("calls:live:t1"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected key ttl within an hour, got %v", ttl)
	}
}

func TestNewConcurrencyCap_Validates(t *testing.T) {
	if _, err := NewConcurrencyCap(nil, "p", 1, time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	if _, err := NewConcurrencyCap(rdb, "p", 0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if _, err := NewConcurrencyCap(rdb, "p", 1, 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestOpenRedis_PingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rdb.Close()

	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
