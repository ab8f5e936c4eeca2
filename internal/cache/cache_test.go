package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

func TestMemory_SetNX(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewMemory(clock, 16, time.Hour)
	ctx := context.Background()

	ok, _ := c.SetNX(ctx, "k", "1", time.Minute)
	if !ok {
		t.Fatal("first SetNX should store")
	}
	ok, _ = c.SetNX(ctx, "k", "2", time.Minute)
	if ok {
		t.Fatal("second SetNX within ttl should not store")
	}

	clock.Advance(time.Minute + time.Second)
	ok, _ = c.SetNX(ctx, "k", "3", time.Minute)
	if !ok {
		t.Fatal("SetNX after expiry should store")
	}
	v, found, _ := c.Get(ctx, "k")
	if !found || v != "3" {
		t.Errorf("Expected 3, got %q (found=%v)", v, found)
	}
}

func TestMemory_GetExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewMemory(clock, 16, time.Hour)
	ctx := context.Background()

	c.Set(ctx, "presence", "online", 5*time.Minute)
	clock.Advance(4 * time.Minute)
	if _, found, _ := c.Get(ctx, "presence"); !found {
		t.Fatal("entry should still be present before ttl")
	}
	clock.Advance(2 * time.Minute)
	if _, found, _ := c.Get(ctx, "presence"); found {
		t.Error("entry should be gone after ttl")
	}
}

func TestRedis_SetNX(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping: REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: could not ping redis: %v", err)
	}

	c := NewRedis(rdb, "examhub-test:")
	rdb.Del(ctx, "examhub-test:dedup")
	defer rdb.Del(ctx, "examhub-test:dedup")

	ok, err := c.SetNX(ctx, "dedup", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX should store: ok=%v err=%v", ok, err)
	}
	ok, _ = c.SetNX(ctx, "dedup", "1", time.Minute)
	if ok {
		t.Error("second SetNX should not store")
	}
}
