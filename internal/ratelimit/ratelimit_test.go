package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestParseRate(t *testing.T) {
	cases := []struct {
		in     string
		limit  int
		window time.Duration
	}{
		{"5/minute", 5, time.Minute},
		{"10/hour", 10, time.Hour},
		{"1/second", 1, time.Second},
		{"100/day", 100, 24 * time.Hour},
		{"3/minutes", 3, time.Minute},
		// Anything malformed falls back to 5/minute.
		{"", 5, time.Minute},
		{"garbage", 5, time.Minute},
		{"0/minute", 5, time.Minute},
		{"-2/minute", 5, time.Minute},
		{"5/fortnight", 5, time.Minute},
		{"x/minute", 5, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			limit, window := ParseRate(tc.in)
			if limit != tc.limit || window != tc.window {
				t.Errorf("ParseRate(%q) = %d, %v; want %d, %v", tc.in, limit, window, tc.limit, tc.window)
			}
		})
	}
}

func TestMemoryLimiterEnforcesLimit(t *testing.T) {
	l := NewMemory("3/minute")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "student-1", "sess-A") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow(ctx, "student-1", "sess-A") {
		t.Error("4th request within window should be rejected")
	}
}

func TestMemoryLimiterKeysPerSession(t *testing.T) {
	// Throttling on session A must not block the same student on session B.
	l := NewMemory("2/minute")
	ctx := context.Background()

	l.Allow(ctx, "student-1", "sess-A")
	l.Allow(ctx, "student-1", "sess-A")
	if l.Allow(ctx, "student-1", "sess-A") {
		t.Fatal("session A should be throttled")
	}
	if !l.Allow(ctx, "student-1", "sess-B") {
		t.Error("session B should be unaffected by session A's count")
	}
	if !l.Allow(ctx, "student-2", "sess-A") {
		t.Error("another student on session A should be unaffected")
	}
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	l := NewMemory("1/minute")
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if !l.Allow(ctx, "student-1", "sess-A") {
		t.Fatal("first request should pass")
	}
	if l.Allow(ctx, "student-1", "sess-A") {
		t.Fatal("second request in window should be rejected")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow(ctx, "student-1", "sess-A") {
		t.Error("request after window expiry should pass")
	}
}
