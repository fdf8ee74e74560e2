package toolexec

import (
	"hash/fnv"
	"sync"
)

// DefaultCacheEntries is the default capacity of a Cache.
const DefaultCacheEntries = 100

type cacheKey struct {
	tool string
	hash uint64
}

// CacheEntry is a stored tool result and the round that produced it.
type CacheEntry struct {
	Result string
	Round  int
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache stores results of cacheable tools keyed by tool name and a hash of the
// argument string. When full, the entry from the oldest round is evicted.
// Safe for concurrent use; no lock is held while a tool runs.
type Cache struct {
	mu         sync.Mutex
	entries    map[cacheKey]CacheEntry
	maxEntries int
	hits       int64
	misses     int64
	// generation counts invalidations.
	generation uint64
}

// NewCache creates a Cache holding at most maxEntries results.
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &Cache{entries: make(map[cacheKey]CacheEntry), maxEntries: maxEntries}
}

// HashArguments returns the 64-bit FNV-1a hash of an argument string.
func HashArguments(arguments string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(arguments))
	return h.Sum64()
}

// Get returns the cached result for (tool, arguments).
func (c *Cache) Get(tool, arguments string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey{tool, HashArguments(arguments)}]
	if !ok {
		c.misses++
		return "", false
	}
	c.hits++
	return entry.Result, true
}

// Put stores a result produced in round.
func (c *Cache) Put(tool, arguments, result string, round int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(tool, arguments, result, round)
}

// Generation returns the number of invalidations so far. A result computed
// while the generation changed may predate a mutation.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// PutIfCurrent stores a result only if no invalidation happened since
// generation was read. It reports whether the result was stored.
func (c *Cache) PutIfCurrent(generation uint64, tool, arguments, result string, round int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return false
	}
	c.putLocked(tool, arguments, result, round)
	return true
}

func (c *Cache) putLocked(tool, arguments, result string, round int) {
	key := cacheKey{tool, HashArguments(arguments)}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = CacheEntry{Result: result, Round: round}
}

// InvalidateAll drops every entry and starts a new generation. Called after
// any mutation.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.generation++
}

// EvictOlderThan drops entries produced more than maxAge rounds before current.
func (c *Cache) EvictOlderThan(current, maxAge int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if current-e.Round > maxAge {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

func (c *Cache) evictOldestLocked() {
	var oldest cacheKey
	found := false
	minRound := 0
	for k, e := range c.entries {
		if !found || e.Round < minRound {
			oldest, minRound, found = k, e.Round, true
		}
	}
	if found {
		delete(c.entries, oldest)
	}
}
