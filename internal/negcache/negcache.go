// Package negcache implements the negative-result cache (spec C2): a
// short-TTL memory of artifact paths that every configured upstream was
// unable to supply, so the race coordinator isn't re-run for a path that
// just failed everywhere a moment ago.
package negcache

import (
	"sync"
	"time"
)

// Cache is a time-expiring set of paths. The zero value is not usable; use
// New. All methods are safe for concurrent use without an external lock.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

// New creates a Cache whose entries expire ttl after insertion. ttl is read
// once here and never changes for the lifetime of the Cache.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// IsFailed reports whether path was marked failed within the last ttl.
// A stale entry found during the check is evicted lazily.
func (c *Cache) IsFailed(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	insertedAt, ok := c.entries[path]
	if !ok {
		return false
	}
	if time.Since(insertedAt) >= c.ttl {
		delete(c.entries, path)
		return false
	}
	return true
}

// MarkFailed inserts path with the current time, overwriting any prior
// entry for the same path.
func (c *Cache) MarkFailed(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = time.Now()
}

// Len reports the number of entries currently held, including ones that
// have expired but have not yet been evicted by a read. Used only by
// metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
