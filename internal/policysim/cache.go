// Package policysim implements the off-hot-path "similar policy" lookup
// tool: policies are serialized to text, embedded, and indexed into a
// pkg/vector.VectorStore so an operator can ask "what else looks like
// this policy" without touching RequestAccess's decision path.
package policysim

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// CachedEmbedding is one policy's embedding plus the content hash and
// model version it was generated against, so a later policy edit or
// model upgrade is detected rather than silently served stale.
type CachedEmbedding struct {
	PolicyID     string
	PolicyHash   string
	ModelVersion string
	Embedding    []float32
	GeneratedAt  time.Time
	AccessCount  int64
	LastAccess   time.Time
}

// EmbeddingCache is a thread-safe, bounded, TTL'd cache of policy
// embeddings keyed by policy ID.
type EmbeddingCache struct {
	entries map[string]*CachedEmbedding
	mu      sync.RWMutex

	hits      int64
	misses    int64
	evictions int64
	total     int64

	maxEntries int
	ttl        time.Duration
}

// CacheConfig bounds EmbeddingCache's size and entry lifetime.
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultCacheConfig caps the cache at 10k policies with a 24h TTL.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxEntries: 10000, TTL: 24 * time.Hour}
}

// NewEmbeddingCache builds a cache, applying DefaultCacheConfig's values
// for any zero field.
func NewEmbeddingCache(cfg CacheConfig) *EmbeddingCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &EmbeddingCache{
		entries:    make(map[string]*CachedEmbedding),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
	}
}

// Get returns the cached embedding for policyID, or nil if absent,
// stale (hash mismatch), expired, or generated by a different
// modelVersion.
func (c *EmbeddingCache) Get(policyID, policyHash, modelVersion string) []float32 {
	c.mu.RLock()
	entry, ok := c.entries[policyID]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil
	}

	if entry.PolicyHash != policyHash || entry.ModelVersion != modelVersion ||
		(c.ttl > 0 && time.Since(entry.GeneratedAt) > c.ttl) {
		c.mu.Lock()
		delete(c.entries, policyID)
		c.misses++
		c.evictions++
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	entry.AccessCount++
	entry.LastAccess = time.Now()
	c.hits++
	c.mu.Unlock()
	return entry.Embedding
}

// Put stores embedding under policyID, evicting the least recently used
// entry first if the cache is at capacity.
func (c *EmbeddingCache) Put(policyID, policyHash, modelVersion string, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("policysim: embedding cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}

	c.entries[policyID] = &CachedEmbedding{
		PolicyID:     policyID,
		PolicyHash:   policyHash,
		ModelVersion: modelVersion,
		Embedding:    embedding,
		GeneratedAt:  time.Now(),
		LastAccess:   time.Now(),
	}
	c.total++
	return nil
}

// evictLRU removes the least recently accessed entry. Caller must hold c.mu.
func (c *EmbeddingCache) evictLRU() {
	var oldestID string
	var oldestAt time.Time
	for id, entry := range c.entries {
		if oldestID == "" || entry.LastAccess.Before(oldestAt) {
			oldestID, oldestAt = id, entry.LastAccess
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
		c.evictions++
	}
}

// Delete removes policyID's cached embedding, if present.
func (c *EmbeddingCache) Delete(policyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[policyID]; ok {
		delete(c.entries, policyID)
		c.evictions++
	}
}

// CacheStats reports the cache's current occupancy and hit rate.
type CacheStats struct {
	Entries    int
	Hits       int64
	Misses     int64
	Evictions  int64
	Total      int64
	HitRate    float64
	MaxEntries int
	TTL        time.Duration
}

func (c *EmbeddingCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Entries:    len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Total:      c.total,
		HitRate:    hitRate,
		MaxEntries: c.maxEntries,
		TTL:        c.ttl,
	}
}

// ComputePolicyHash fingerprints serialized policy text for cache
// invalidation on edit.
func ComputePolicyHash(policyText string) string {
	sum := sha256.Sum256([]byte(policyText))
	return hex.EncodeToString(sum[:])
}
