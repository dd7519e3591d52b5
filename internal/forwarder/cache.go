package forwarder

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeCache remembers (session, student) pairs already delivered to SPOC,
// so duplicate enqueues do not produce duplicate external pushes. Best
// effort: losing an entry costs one redundant push, never a lost record.
type DedupeCache interface {
	Done(ctx context.Context, key string) bool
	MarkDone(ctx context.Context, key string, ttl time.Duration) error
}

// RedisCache stores dedupe markers as TTL'd keys.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a redis-backed dedupe cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Done reports whether the key has been marked delivered.
func (c *RedisCache) Done(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		log.Printf("dedupe cache read failed for %s: %v", key, err)
		return false
	}
	return n > 0
}

// MarkDone records a delivered key with the given TTL.
func (c *RedisCache) MarkDone(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Set(ctx, key, "1", ttl).Err()
}

// MemoryCache is a process-local TTL map for dev and tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache creates an in-memory dedupe cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]time.Time), now: time.Now}
}

// Done implements DedupeCache.
func (c *MemoryCache) Done(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(exp) {
		delete(c.entries, key)
		return false
	}
	return true
}

// MarkDone implements DedupeCache.
func (c *MemoryCache) MarkDone(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.now().Add(ttl)
	return nil
}
