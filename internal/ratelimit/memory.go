package ratelimit

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultShardCount = 32

// MemoryLimiter is the bounded in-process fallback used when the
// distributed backend is unavailable. Its sharded map is kept bounded
// (LRU with a size cap) so a hot-key flood against one identity cannot
// grow it unboundedly.
type MemoryLimiter struct {
	shards   []*shard
	capacity int // per-shard entry cap
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	order   *list.List
}

type counterEntry struct {
	key         string
	windowStart time.Time
	count       int
}

// NewMemoryLimiter builds a sharded, LRU-bounded fallback limiter.
// capacity bounds the number of distinct identities tracked per shard.
func NewMemoryLimiter(capacity int) *MemoryLimiter {
	if capacity <= 0 {
		capacity = 10000
	}
	shards := make([]*shard, defaultShardCount)
	for i := range shards {
		shards[i] = &shard{
			buckets: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	return &MemoryLimiter{shards: shards, capacity: capacity}
}

func (m *MemoryLimiter) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Check implements Limiter.
func (m *MemoryLimiter) Check(_ context.Context, identity string, limit int, window time.Duration) (Result, error) {
	now := time.Now()
	ws := windowStart(now, window)
	s := m.shardFor(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	var entry *counterEntry
	if elem, ok := s.buckets[identity]; ok {
		entry = elem.Value.(*counterEntry)
		if entry.windowStart.Equal(ws) {
			s.order.MoveToFront(elem)
		} else {
			entry.windowStart = ws
			entry.count = 0
			s.order.MoveToFront(elem)
		}
	} else {
		entry = &counterEntry{key: identity, windowStart: ws, count: 0}
		elem := s.order.PushFront(entry)
		s.buckets[identity] = elem
		for s.order.Len() > m.capacity {
			oldest := s.order.Back()
			if oldest == nil {
				break
			}
			old := oldest.Value.(*counterEntry)
			delete(s.buckets, old.key)
			s.order.Remove(oldest)
		}
	}

	entry.count++
	resetAt := ws.Add(window)
	if entry.count > limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, Limit: limit}, nil
	}
	return Result{Allowed: true, Remaining: limit - entry.count, ResetAt: resetAt, Limit: limit}, nil
}

// Peek implements Limiter.
func (m *MemoryLimiter) Peek(_ context.Context, identity string, window time.Duration) (int, time.Time, error) {
	now := time.Now()
	ws := windowStart(now, window)
	s := m.shardFor(identity)

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.buckets[identity]
	if !ok {
		return 0, ws.Add(window), nil
	}
	entry := elem.Value.(*counterEntry)
	if !entry.windowStart.Equal(ws) {
		return 0, ws.Add(window), nil
	}
	return entry.count, ws.Add(window), nil
}

// Reset implements Limiter.
func (m *MemoryLimiter) Reset(_ context.Context, identity string) error {
	s := m.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.buckets[identity]; ok {
		delete(s.buckets, identity)
		s.order.Remove(elem)
	}
	return nil
}

// Close implements Limiter. The in-memory limiter holds no external
// resources.
func (m *MemoryLimiter) Close() error { return nil }
