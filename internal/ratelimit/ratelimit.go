package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiters bound marking attempts per (identity, session). The key includes
// the session id so a student throttled on one session can still attempt
// another immediately; scanner double-fires are the common case, lockouts
// the expensive one.
type Limiter interface {
	Allow(ctx context.Context, identity, sessionID string) bool
}

const keyPrefix = "attendance:rl:"

// ParseRate parses a "5/minute" style rate string. Any malformed value falls
// back to 5/minute rather than failing open or rejecting all traffic.
func ParseRate(rate string) (int, time.Duration) {
	const defLimit, defWindow = 5, time.Minute
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return defLimit, defWindow
	}
	var limit int
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &limit); err != nil || limit <= 0 {
		return defLimit, defWindow
	}
	switch period := strings.TrimSpace(parts[1]); {
	case strings.HasPrefix(period, "second"):
		return limit, time.Second
	case strings.HasPrefix(period, "minute"):
		return limit, time.Minute
	case strings.HasPrefix(period, "hour"):
		return limit, time.Hour
	case strings.HasPrefix(period, "day"):
		return limit, 24 * time.Hour
	default:
		return defLimit, defWindow
	}
}

// RedisLimiter implements fixed-window counting with INCR + EXPIRE. Windows
// are approximate; one extra allowed request at a boundary is acceptable.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRedis creates a redis-backed limiter from a rate string.
func NewRedis(client *redis.Client, rate string) *RedisLimiter {
	limit, window := ParseRate(rate)
	return &RedisLimiter{client: client, limit: limit, window: window}
}

// Allow increments the window counter for the pair. Counter state is an
// optimization, not a correctness store: if redis is unreachable the request
// is allowed and the duplicate guard falls to the database constraint.
func (l *RedisLimiter) Allow(ctx context.Context, identity, sessionID string) bool {
	key := keyPrefix + identity + ":" + sessionID
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("rate limiter unavailable, allowing request: %v", err)
		return true
	}
	if n == 1 {
		l.client.Expire(ctx, key, l.window)
	}
	return n <= int64(l.limit)
}

// MemoryLimiter is a process-local fixed-window limiter for dev and tests,
// with the same key shape and window semantics as the redis one.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count int
	start time.Time
}

// NewMemory creates an in-memory limiter from a rate string.
func NewMemory(rate string) *MemoryLimiter {
	limit, win := ParseRate(rate)
	return &MemoryLimiter{
		limit:   limit,
		window:  win,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, identity, sessionID string) bool {
	key := identity + ":" + sessionID
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.limit
}
