package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically increments the counter for the caller's
// current window and decides allow/deny in one round trip, so the
// increment and the decision are never split into a separate
// get-then-set (which would race under concurrent callers).
var fixedWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local ttl_ms = tonumber(ARGV[2])

	local count = redis.call('INCR', key)
	if count == 1 then
		redis.call('PEXPIRE', key, ttl_ms)
	end

	local allowed = 0
	if count <= limit then
		allowed = 1
	end
	return {allowed, count}
`)

// RedisLimiter implements Limiter as a fixed-window counter keyed by
// identity and window start, using Redis INCR+PEXPIRE under a Lua script
// for atomicity.
type RedisLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLimiter creates a Redis-backed fixed-window limiter.
func NewRedisLimiter(client redis.UniversalClient, keyPrefix string) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit"
	}
	return &RedisLimiter{client: client, keyPrefix: keyPrefix}
}

func (r *RedisLimiter) windowKey(identity string, ws time.Time) string {
	return fmt.Sprintf("%s:%s:%d", r.keyPrefix, identity, ws.UnixNano())
}

// Check implements Limiter.
func (r *RedisLimiter) Check(ctx context.Context, identity string, limit int, window time.Duration) (Result, error) {
	now := time.Now()
	ws := windowStart(now, window)
	key := r.windowKey(identity, ws)
	resetAt := ws.Add(window)

	res, err := fixedWindowScript.Run(ctx, r.client, []string{key}, limit, window.Milliseconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis check: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	allowed := vals[0].(int64) == 1
	count := int(vals[1].(int64))

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt, Limit: limit}, nil
}

// Peek implements Limiter without incrementing the window counter.
func (r *RedisLimiter) Peek(ctx context.Context, identity string, window time.Duration) (int, time.Time, error) {
	now := time.Now()
	ws := windowStart(now, window)
	key := r.windowKey(identity, ws)
	resetAt := ws.Add(window)

	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, resetAt, nil
	}
	if err != nil {
		return 0, resetAt, fmt.Errorf("ratelimit: redis peek: %w", err)
	}

	var count int
	if _, err := fmt.Sscanf(val, "%d", &count); err != nil {
		return 0, resetAt, fmt.Errorf("ratelimit: parse counter: %w", err)
	}
	return count, resetAt, nil
}

// Reset implements Limiter.
func (r *RedisLimiter) Reset(ctx context.Context, identity string) error {
	pattern := fmt.Sprintf("%s:%s:*", r.keyPrefix, identity)
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: reset scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Close implements Limiter.
func (r *RedisLimiter) Close() error {
	if closer, ok := r.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
