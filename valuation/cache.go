package valuation

import (
	"sync"
	"time"
)

// Cache stores computed valuations for a bounded time. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(bookID string) (int, bool)
	Set(bookID string, points int, ttl time.Duration)
	Delete(bookID string)
}

type cacheEntry struct {
	points    int
	expiresAt time.Time
}

// DefaultMaxEntries bounds MemoryCache before Set starts evicting.
const DefaultMaxEntries = 10000

// MemoryCache is an in-process Cache with per-entry expiry. Once it holds
// maxEntries, Set drops expired entries and then the soonest to expire.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	maxEntries int
	now        func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry), maxEntries: DefaultMaxEntries, now: time.Now}
}

func (c *MemoryCache) WithMaxEntries(n int) *MemoryCache {
	if n > 0 {
		c.maxEntries = n
	}
	return c
}

func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) Get(bookID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[bookID]
	if !ok {
		return 0, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, bookID)
		return 0, false
	}
	return e.points, true
}

func (c *MemoryCache) Set(bookID string, points int, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.entries[bookID]; !ok && len(c.entries) >= c.maxEntries {
		c.sweepLocked(now)
		if len(c.entries) >= c.maxEntries {
			c.evictSoonestLocked()
		}
	}
	c.entries[bookID] = cacheEntry{points: points, expiresAt: now.Add(ttl)}
}

// Sweep drops every expired entry and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *MemoryCache) sweepLocked(now time.Time) int {
	removed := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) evictSoonestLocked() {
	var (
		victim string
		soon   time.Time
	)
	for id, e := range c.entries {
		if victim == "" || e.expiresAt.Before(soon) {
			victim, soon = id, e.expiresAt
		}
	}
	delete(c.entries, victim)
}

func (c *MemoryCache) Delete(bookID string) {
	c.mu.Lock()
	delete(c.entries, bookID)
	c.mu.Unlock()
}

// Len reports the number of entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
