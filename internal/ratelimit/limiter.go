// Package ratelimit implements the broker's fixed-window request ceiling,
// with a Redis-backed distributed counter and a bounded in-memory fallback
// for when the distributed backend is unavailable.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of a single rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// Limiter enforces a fixed-window request ceiling per identity.
//
// Check increments the window counter and decides atomically: the
// increment and the allow/deny decision happen as one step, never a
// separate get-then-set, so concurrent callers for the same identity
// observe a single total order on the counter.
type Limiter interface {
	// Check increments the counter for identity's current window and
	// reports whether the request is allowed.
	Check(ctx context.Context, identity string, limit int, window time.Duration) (Result, error)

	// Peek reports the current window's count for identity without
	// incrementing it. Used by the PolicyEngine's max_requests_per_day
	// condition, which must observe but not consume the window.
	Peek(ctx context.Context, identity string, window time.Duration) (count int, resetAt time.Time, err error)

	// Reset clears the counter for identity, used by tests and admin tooling.
	Reset(ctx context.Context, identity string) error

	// Close releases any resources held by the limiter.
	Close() error
}

// Config configures the default broker-level rate limiter.
type Config struct {
	Limit  int
	Window time.Duration
}

// DefaultConfig matches spec.md §6's documented defaults: RATE_LIMIT=100,
// RATE_LIMIT_WINDOW_SECONDS=60.
func DefaultConfig() Config {
	return Config{Limit: 100, Window: 60 * time.Second}
}

// windowStart returns the start instant of the fixed window containing now.
func windowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return now
	}
	return time.Unix(0, (now.UnixNano()/int64(window))*int64(window))
}
