// Package distcache memoizes pairwise player distances for a short TTL.
package distcache

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL matches the broadcast tick; positions rarely move far in 100ms.
const DefaultTTL = 100 * time.Millisecond

// pairKey is order-independent: a is always the lexically smaller uuid.
type pairKey struct {
	a, b string
}

func keyFor(x, y string) pairKey {
	if y < x {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

type entry struct {
	distance float64
	storedAt time.Time
}

// Cache is safe for concurrent use.
// ARCHITECTURAL DISCOVERY: byPlayer is a reverse index from uuid to every
// pair that mentions it, so Invalidate never scans unrelated entries
type Cache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	entries  map[pairKey]entry
	byPlayer map[string]map[pairKey]struct{}

	hits   atomic.Uint64
	misses atomic.Uint64

	now func() time.Time
}

// Stats is a snapshot of cache effectiveness.
type Stats struct {
	Size    int     `json:"cacheSize"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hitRate"`
	TTLms   int64   `json:"ttl"`
}

// New creates a cache. A non-positive ttl falls back to DefaultTTL; a nil
// clock uses time.Now.
func New(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:      ttl,
		entries:  make(map[pairKey]entry),
		byPlayer: make(map[string]map[pairKey]struct{}),
		now:      now,
	}
}

// Get returns the cached distance between a and b. Entries older than the
// TTL are reported as misses even if Sweep has not removed them yet.
func (c *Cache) Get(a, b string) (float64, bool) {
	c.mu.RLock()
	e, ok := c.entries[keyFor(a, b)]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.storedAt) > c.ttl {
		c.misses.Add(1)
		return 0, false
	}
	c.hits.Add(1)
	return e.distance, true
}

// Put stores the distance for the unordered pair {a, b}.
func (c *Cache) Put(a, b string, distance float64) {
	k := keyFor(a, b)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[k] = entry{distance: distance, storedAt: c.now()}
	c.link(k.a, k)
	c.link(k.b, k)
}

func (c *Cache) link(uuid string, k pairKey) {
	set, ok := c.byPlayer[uuid]
	if !ok {
		set = make(map[pairKey]struct{})
		c.byPlayer[uuid] = set
	}
	set[k] = struct{}{}
}

// Invalidate drops every entry involving uuid. Must be called whenever the
// player's position changes.
func (c *Cache) Invalidate(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.byPlayer[uuid] {
		delete(c.entries, k)
		other := k.a
		if other == uuid {
			other = k.b
		}
		if set, ok := c.byPlayer[other]; ok {
			delete(set, k)
			if len(set) == 0 {
				delete(c.byPlayer, other)
			}
		}
	}
	delete(c.byPlayer, uuid)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.storedAt) <= c.ttl {
			continue
		}
		delete(c.entries, k)
		c.unlink(k.a, k)
		c.unlink(k.b, k)
		removed++
	}
	return removed
}

func (c *Cache) unlink(uuid string, k pairKey) {
	if set, ok := c.byPlayer[uuid]; ok {
		delete(set, k)
		if len(set) == 0 {
			delete(c.byPlayer, uuid)
		}
	}
}

// Stats reports size and hit rate.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
		TTLms:   c.ttl.Milliseconds(),
	}
}
