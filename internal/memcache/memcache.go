// Package memcache implements the in-process tier of the timeline cache: a
// single-mutex, insertion-ordered LRU bounded by entry count and TTL. Network
// and disk latency dominate the system, so the tier is deliberately simple.
package memcache

import (
	"container/list"
	"sync"
	"time"

	"crep/timeline/internal/timeline"
)

const (
	// DefaultMaxEntries bounds the cache when no capacity is configured.
	DefaultMaxEntries = 10000
	// DefaultTTL bounds entry freshness when no TTL is configured.
	DefaultTTL = 5 * time.Minute
)

type cacheItem struct {
	key        string
	entry      timeline.Entry
	insertedAt time.Time
}

// Cache is the bounded LRU of recent timeline entries.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	order *list.List
	items map[string]*list.Element
}

// Option customises cache construction.
type Option func(*Cache)

// WithClock overrides the cache time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.now = clock
		}
	}
}

// New constructs a cache bounded by maxEntries and ttl. Non-positive values
// fall back to the defaults.
func New(maxEntries int, ttl time.Duration, opts ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		order:      list.New(),
		items:      make(map[string]*list.Element),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

// Get returns the entry for the cache key when present and fresh. A hit
// refreshes the entry's LRU position; an expired entry is lazily deleted.
func (c *Cache) Get(key string) (timeline.Entry, bool) {
	if c == nil {
		return timeline.Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return timeline.Entry{}, false
	}
	item := element.Value.(*cacheItem)
	if c.expiredLocked(item) {
		c.removeLocked(element)
		return timeline.Entry{}, false
	}
	//1.- Reinsert at the MRU end so hot keys survive capacity eviction.
	c.order.MoveToBack(element)
	return item.entry, true
}

// Put inserts or replaces a single entry, evicting the oldest entries first
// when the cache is at capacity.
func (c *Cache) Put(entry timeline.Entry) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.putLocked(entry)
	c.mu.Unlock()
}

// PutBatch inserts every entry under a single lock acquisition.
func (c *Cache) PutBatch(entries []timeline.Entry) {
	if c == nil || len(entries) == 0 {
		return
	}
	c.mu.Lock()
	for _, entry := range entries {
		c.putLocked(entry)
	}
	c.mu.Unlock()
}

func (c *Cache) putLocked(entry timeline.Entry) {
	key := entry.CacheKey()
	if element, ok := c.items[key]; ok {
		//1.- A write at an existing timestamp replaces the prior entry in place.
		item := element.Value.(*cacheItem)
		item.entry = entry
		item.insertedAt = c.now()
		c.order.MoveToBack(element)
		return
	}
	//2.- Evict from the LRU end until the new entry fits.
	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
	element := c.order.PushBack(&cacheItem{key: key, entry: entry, insertedAt: c.now()})
	c.items[key] = element
}

// Query scans the cache and returns entries matching the query, capped at the
// effective limit. Expired entries encountered during the scan are deleted.
func (c *Cache) Query(query timeline.Query) []timeline.Entry {
	if c == nil {
		return nil
	}
	limit := query.EffectiveLimit()
	c.mu.Lock()
	defer c.mu.Unlock()

	results := make([]timeline.Entry, 0)
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		item := element.Value.(*cacheItem)
		if c.expiredLocked(item) {
			c.removeLocked(element)
			element = next
			continue
		}
		if query.Matches(item.entry) {
			results = append(results, item.entry)
			if len(results) >= limit {
				break
			}
		}
		element = next
	}
	return results
}

// Invalidate removes entries matching the optional entity type and id and
// returns the count removed. Empty arguments widen the match.
func (c *Cache) Invalidate(entityType timeline.EntityType, entityID string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		item := element.Value.(*cacheItem)
		if (entityType == "" || item.entry.EntityType == entityType) &&
			(entityID == "" || item.entry.EntityID == entityID) {
			c.removeLocked(element)
			removed++
		}
		element = next
	}
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	c.mu.Unlock()
}

// Size reports the current entry count.
func (c *Cache) Size() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) expiredLocked(item *cacheItem) bool {
	now := c.now()
	if item.entry.Expired(now) {
		return true
	}
	return now.Sub(item.insertedAt) > c.ttl
}

func (c *Cache) removeLocked(element *list.Element) {
	item := element.Value.(*cacheItem)
	delete(c.items, item.key)
	c.order.Remove(element)
}
