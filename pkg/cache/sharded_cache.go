package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"copytrade-core/pkg/db"
)

const numShards = 16

// ShardedRelationshipCache keeps hot relationship rows (with their risk
// limits) close to the dispatch path. Entries expire quickly so a stale
// pause or limit change is visible within one TTL.
type ShardedRelationshipCache struct {
	shards [numShards]*relShard
	ttl    time.Duration
}

type relShard struct {
	mu    sync.RWMutex
	items map[string]relEntry
}

type relEntry struct {
	rel       db.Relationship
	updatedAt time.Time
}

// NewShardedRelationshipCache creates a new sharded cache. TTL values above
// one second defeat the point of caching a mutable risk config; callers pass
// something in the hundreds of milliseconds.
func NewShardedRelationshipCache(ttl time.Duration) *ShardedRelationshipCache {
	if ttl <= 0 || ttl > time.Second {
		ttl = 500 * time.Millisecond
	}
	c := &ShardedRelationshipCache{ttl: ttl}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &relShard{
			items: make(map[string]relEntry),
		}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *ShardedRelationshipCache) getShard(key string) *relShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a relationship snapshot.
func (c *ShardedRelationshipCache) Set(rel db.Relationship) {
	shard := c.getShard(rel.ID)
	shard.mu.Lock()
	shard.items[rel.ID] = relEntry{
		rel:       rel,
		updatedAt: time.Now(),
	}
	shard.mu.Unlock()
}

// Get retrieves a relationship if present and fresh.
func (c *ShardedRelationshipCache) Get(id string) (db.Relationship, bool) {
	shard := c.getShard(id)
	shard.mu.RLock()
	entry, ok := shard.items[id]
	shard.mu.RUnlock()
	if !ok || time.Since(entry.updatedAt) > c.ttl {
		return db.Relationship{}, false
	}
	return entry.rel, true
}

// Invalidate removes a relationship after any mutation (pause, limit
// update, unfollow) so the next read hits the store.
func (c *ShardedRelationshipCache) Invalidate(id string) {
	shard := c.getShard(id)
	shard.mu.Lock()
	delete(shard.items, id)
	shard.mu.Unlock()
}

// Len returns total items across all shards, expired entries included.
func (c *ShardedRelationshipCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes expired entries, returning the count removed.
func (c *ShardedRelationshipCache) Cleanup() int {
	removed := 0
	cutoff := time.Now().Add(-c.ttl)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for id, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedRelationshipCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
