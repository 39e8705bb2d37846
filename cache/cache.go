package cache

import (
	"expvar"

	lru "github.com/hashicorp/golang-lru"

	"github.com/INLOpen/pesadb/core"
)

// RowCache is a fixed-size LRU of rows by primary key. A capacity <= 0
// disables it: Put is a no-op and Get always misses without counting.
type RowCache struct {
	cache     *lru.Cache
	onEvicted func(key core.Value, row core.Row) // Optional callback on eviction

	// Metrics
	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface = (*RowCache)(nil)

// NewRowCache creates a new RowCache.
func NewRowCache(capacity int, onEvicted func(key core.Value, row core.Row)) *RowCache {
	c := &RowCache{onEvicted: onEvicted}
	if capacity <= 0 {
		return c
	}
	var err error
	c.cache, err = lru.NewWithEvict(capacity, c.evicted)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return c
}

func (c *RowCache) evicted(key, value interface{}) {
	if c.onEvicted != nil {
		c.onEvicted(key.(core.Value), value.(core.Row))
	}
}

func (c *RowCache) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get returns a copy of the cached row for key.
func (c *RowCache) Get(key core.Value) (core.Row, bool) {
	if c.cache == nil {
		return nil, false
	}
	if v, ok := c.cache.Get(key); ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		return v.(core.Row).Clone(), true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return nil, false
}

// Put caches a copy of row under key.
func (c *RowCache) Put(key core.Value, row core.Row) {
	if c.cache == nil {
		return
	}
	c.cache.Add(key, row.Clone())
}

// Remove drops key from the cache.
func (c *RowCache) Remove(key core.Value) {
	if c.cache == nil {
		return
	}
	c.cache.Remove(key)
}

// Len returns the current number of items in the cache.
func (c *RowCache) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

// Clear removes all entries. The eviction callback runs for each of them.
func (c *RowCache) Clear() {
	if c.cache == nil {
		return
	}
	c.cache.Purge()
}

// GetHitRate calculates the cache hit rate.
// This is useful for expvar.Func.
func (c *RowCache) GetHitRate() float64 {
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}

	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
