// Package aggregate fetches, merges, and caches the cookie view for a context.
package aggregate

import (
	"sync"
	"time"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/internal/schema"
)

// Entry is one cached aggregation result, keyed by the originating context URL.
type Entry struct {
	ContextURL string
	Canonical  string
	Set        schema.Set
	CapturedAt time.Time
	TTL        time.Duration
}

// Cache holds aggregation results with a TTL. An entry is valid only while
// now − CapturedAt < TTL and the context key matches the request; otherwise
// it is treated as absent. A background sweep clears the whole cache
// periodically, independent of TTL, to bound memory for long sessions.
type Cache struct {
	cfg    config.CacheConfig
	clock  func() time.Time
	mu     sync.RWMutex
	byCtx  map[string]Entry
	stop   chan struct{}
	stopMu sync.Once
}

// NewCache constructs a cache and starts its background sweep.
func NewCache(cfg config.CacheConfig, clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	c := new(Cache)
	c.cfg = cfg
	c.clock = clock
	c.byCtx = make(map[string]Entry)
	c.stop = make(chan struct{})
	go c.sweep()
	return c
}

// Get returns the entry for the context URL if it is still valid.
func (c *Cache) Get(contextURL string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.byCtx[contextURL]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if entry.ContextURL != contextURL {
		return Entry{}, false
	}
	if c.clock().Sub(entry.CapturedAt) >= entry.TTL {
		return Entry{}, false
	}
	return entry, true
}

// Put stores a fresh aggregation result for the context URL.
func (c *Cache) Put(contextURL, canonical string, set schema.Set) {
	entry := Entry{
		ContextURL: contextURL,
		Canonical:  canonical,
		Set:        set.Clone(),
		CapturedAt: c.clock(),
		TTL:        c.cfg.TTL,
	}
	c.mu.Lock()
	c.byCtx[contextURL] = entry
	c.mu.Unlock()
}

// Invalidate drops the entry for the context URL. Mutating actions call this
// synchronously before scheduling the next refresh so the next fetch can
// never serve data contradicting the action the user just took.
func (c *Cache) Invalidate(contextURL string) {
	c.mu.Lock()
	delete(c.byCtx, contextURL)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.byCtx = make(map[string]Entry)
	c.mu.Unlock()
}

// Len reports the number of cached entries, valid or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byCtx)
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.stopMu.Do(func() { close(c.stop) })
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}
