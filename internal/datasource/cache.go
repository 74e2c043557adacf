package datasource

import (
	"context"
	"sync"
	"time"

	"github.com/Allen15763/spe-bank-recon/internal/table"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultCacheMaxItems = 10
)

// Cache memoizes Source reads with a TTL and LRU eviction, so pipeline
// modes that read the same parameter file in several steps hit disk once.
// Callers always get a clone; the cached table never escapes.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxItems int
	entries  map[string]*cacheEntry
	now      func() time.Time
}

type cacheEntry struct {
	t         *table.Table
	fetchedAt time.Time
	usedAt    time.Time
}

// NewCache builds a cache. Non-positive ttl or maxItems fall back to the
// defaults (5 minutes, 10 entries).
func NewCache(ttl time.Duration, maxItems int) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if maxItems <= 0 {
		maxItems = defaultCacheMaxItems
	}
	return &Cache{
		ttl:      ttl,
		maxItems: maxItems,
		entries:  make(map[string]*cacheEntry),
		now:      time.Now,
	}
}

// Read returns src's table, from cache when fresh. Entries are keyed by
// source name.
func (c *Cache) Read(ctx context.Context, src Source) (*table.Table, error) {
	c.mu.Lock()
	if e, ok := c.entries[src.Name()]; ok {
		if c.now().Sub(e.fetchedAt) < c.ttl {
			e.usedAt = c.now()
			t := e.t.Clone()
			c.mu.Unlock()
			return t, nil
		}
		delete(c.entries, src.Name())
	}
	c.mu.Unlock()

	t, err := src.Read(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[src.Name()] = &cacheEntry{t: t.Clone(), fetchedAt: c.now(), usedAt: c.now()}
	c.evictLocked()
	c.mu.Unlock()
	return t, nil
}

// evictLocked drops least-recently-used entries until the cache fits.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxItems {
		var (
			oldest   string
			oldestAt time.Time
		)
		for name, e := range c.entries {
			if oldest == "" || e.usedAt.Before(oldestAt) {
				oldest, oldestAt = name, e.usedAt
			}
		}
		delete(c.entries, oldest)
	}
}

// Invalidate drops one entry, for steps that just rewrote a source.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// Len reports how many entries are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
