package broker

import (
	"sync"
	"time"
)

// idempotencyWindow is how long a completed decision is replayed
// byte-identically for a repeated idempotency_key, per spec.md §4.7.
const idempotencyWindow = 10 * time.Minute

// idempotencyCache remembers the result of a completed RequestAccess
// call per idempotency_key for idempotencyWindow. It is process-local,
// the same simplification the fallback rate limiter already accepts
// for single-instance deployments (see internal/ratelimit.MemoryLimiter)
// — there is no Store column to persist it against without a schema
// change the spec doesn't call for.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

type idempotencyEntry struct {
	result    *Result
	expiresAt time.Time
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: make(map[string]idempotencyEntry)}
}

// lookup returns a cached result for key if one is still within window,
// sweeping it out otherwise.
func (c *idempotencyCache) lookup(key string, now time.Time) (*Result, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result, true
}

// store records result under key for idempotencyWindow from now, and
// opportunistically sweeps expired entries so the map stays bounded
// under steady traffic.
func (c *idempotencyCache) store(key string, result *Result, now time.Time) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = idempotencyEntry{result: result, expiresAt: now.Add(idempotencyWindow)}
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
