// Package cache provides the short-lived key/value store used for presence
// and delivery dedup. Redis is used when configured; otherwise an in-process
// LRU with per-entry expiry takes its place.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Cache is a string store with per-key TTL.
type Cache interface {
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

type entry struct {
	value   string
	expires time.Time
}

// Memory is an in-process Cache. Entries expire lazily against the injected
// clock; the LRU bounds memory and drops anything older than maxTTL.
type Memory struct {
	mu    sync.Mutex
	clock clockwork.Clock
	lru   *expirable.LRU[string, entry]
}

// NewMemory creates a Memory cache holding at most size keys. maxTTL must be
// at least the longest TTL callers pass.
func NewMemory(clock clockwork.Clock, size int, maxTTL time.Duration) *Memory {
	return &Memory{
		clock: clock,
		lru:   expirable.NewLRU[string, entry](size, nil, maxTTL),
	}
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.lru.Get(key); ok && m.clock.Now().Before(e.expires) {
		return false, nil
	}
	m.lru.Add(key, entry{value: value, expires: m.clock.Now().Add(ttl)})
	return true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Add(key, entry{value: value, expires: m.clock.Now().Add(ttl)})
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Get(key)
	if !ok {
		return "", false, nil
	}
	if !m.clock.Now().Before(e.expires) {
		m.lru.Remove(key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Redis is a Cache backed by a go-redis client. Keys are namespaced with
// prefix.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, r.prefix+key, value, ttl).Result()
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
