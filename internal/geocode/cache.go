package geocode

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var spaceRun = regexp.MustCompile(`\s+`)

// Normalize builds the cache key for a query: lower-cased, whitespace
// collapsed, trailing punctuation stripped.
func Normalize(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	q = spaceRun.ReplaceAllString(q, " ")
	q = strings.TrimRight(q, ".,;:!?-/ ")
	return q
}

type cacheEntry[V any] struct {
	value   V
	expires time.Time
	added   time.Time
}

// Cache is a size-bounded TTL map. Expired entries are dropped when read and
// before any eviction for space; when still full the oldest entry goes.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]cacheEntry[V]
	ttl     time.Duration
	max     int
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache. max <= 0 means unbounded.
func NewCache[V any](ttl time.Duration, max int) *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]cacheEntry[V]),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

// Get returns a live entry.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expires) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key for the cache TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && c.max > 0 && len(c.entries) >= c.max {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry[V]{value: value, expires: now.Add(c.ttl), added: now}
}

func (c *Cache[V]) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.added.Before(oldest) {
			oldestKey, oldest = k, e.added
		}
	}
	if len(c.entries) >= c.max && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of stored entries, live or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Hits returns the number of cache hits so far.
func (c *Cache[V]) Hits() int64 { return c.hits.Load() }

// Misses returns the number of cache misses so far.
func (c *Cache[V]) Misses() int64 { return c.misses.Load() }
