package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// Entry is a cached presigned URL.
type Entry struct {
	URL       string
	ExpiresAt time.Time
}

// Stats holds cache statistics.
type Stats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// URLCache keeps recently issued presigned URLs so repeated downloads of the
// same object reuse one signature. Entries expire after the TTL and the
// least recently used entry is evicted once the cache is full.
type URLCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List
	maxItems int
	ttl      time.Duration
	stats    Stats
	now      func() time.Time
}

type element struct {
	key   string
	entry Entry
}

// NewURLCache creates a cache holding at most maxItems URLs for ttl each.
func NewURLCache(maxItems int, ttl time.Duration) (*URLCache, error) {
	if maxItems <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxItems)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	return &URLCache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		maxItems: maxItems,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Get returns the cached URL for key if it has not expired.
func (c *URLCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return "", false
	}
	e := el.Value.(*element)
	if !c.now().Before(e.entry.ExpiresAt) {
		c.removeLocked(el)
		c.stats.Evictions++
		c.stats.Misses++
		return "", false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	return e.entry.URL, true
}

// Set stores url under key, evicting the least recently used entry if full.
func (c *URLCache) Set(key, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := Entry{URL: url, ExpiresAt: c.now().Add(c.ttl)}
	if el, ok := c.entries[key]; ok {
		el.Value.(*element).entry = entry
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.maxItems {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
	}
	c.entries[key] = c.order.PushFront(&element{key: key, entry: entry})
}

// Delete removes key from the cache.
func (c *URLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// Stats returns cache statistics.
func (c *URLCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Items = c.order.Len()
	return stats
}

// removeLocked must be called with the lock held.
func (c *URLCache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*element).key)
}
