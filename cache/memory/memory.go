// Package memory provides an in-process implementation of the
// ledger.SnapshotCache interface with TTL and LRU eviction.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/grantledger/pkg/ledger"
)

// Stats holds cache performance statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	snapshot   *ledger.FullCustomer
	expiration time.Time
	accessTime time.Time // For LRU eviction
	sequence   int64     // For tiebreaking when access times are equal
}

func (e *cacheEntry) isExpired() bool {
	return !e.expiration.IsZero() && time.Now().After(e.expiration)
}

// Cache implements ledger.SnapshotCache using an in-memory map with TTL and
// LRU eviction. Snapshots are deep-copied on both Set and Get so callers can
// never alias the cached state.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	ttl        time.Duration
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
}

// New creates a new in-memory snapshot cache. maxEntries <= 0 defaults to
// 10000; ttl <= 0 disables expiration.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Get implements ledger.SnapshotCache.
func (c *Cache) Get(ctx context.Context, customerID string) (*ledger.FullCustomer, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[customerID]
	if !exists || entry.isExpired() {
		c.misses++
		return nil, false, nil
	}

	// Update access time for LRU
	entry.accessTime = time.Now()

	c.hits++
	// Return a copy to prevent external modifications
	return entry.snapshot.Clone(), true, nil
}

// Set implements ledger.SnapshotCache.
func (c *Cache) Set(ctx context.Context, customerID string, fc *ledger.FullCustomer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	_, exists := c.entries[customerID]

	// Evict if at capacity and entry doesn't exist
	if len(c.entries) >= c.maxEntries && !exists {
		var oldestKey string
		var oldestTime time.Time
		var oldestSeq int64
		first := true
		for key, entry := range c.entries {
			if first || entry.accessTime.Before(oldestTime) ||
				(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
				oldestKey = key
				oldestTime = entry.accessTime
				oldestSeq = entry.sequence
				first = false
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
			c.evictions++
		}
	}

	var expiration time.Time
	if c.ttl > 0 {
		expiration = now.Add(c.ttl)
	}

	seq := c.sequence
	c.sequence++
	c.entries[customerID] = &cacheEntry{
		snapshot:   fc.Clone(),
		expiration: expiration,
		accessTime: now,
		sequence:   seq,
	}
	return nil
}

// Invalidate implements ledger.SnapshotCache.
func (c *Cache) Invalidate(ctx context.Context, customerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, customerID)
	return nil
}

// Clear removes all entries from the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
