// Package cache provides a read-through cache for memory lookups. Entries
// expire after a TTL and are invalidated on any write that touches the id,
// so stale reads are bounded by the TTL only for out-of-band mutations.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	// DefaultTTL bounds how long a cached memory may outlive a mutation
	// performed outside this process.
	DefaultTTL = 5 * time.Minute

	defaultMaxEntries = 10_000
)

// Cache wraps ristretto with string keys and a fixed TTL.
type Cache[V any] struct {
	inner *ristretto.Cache
	ttl   time.Duration
}

// New creates a cache holding up to maxEntries values. A non-positive
// maxEntries or ttl falls back to the defaults.
func New[V any](maxEntries int64, ttl time.Duration) (*Cache[V], error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache[V]{inner: inner, ttl: ttl}, nil
}

// Get returns the cached value for key, if present.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	raw, ok := c.inner.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set stores a value under key. Admission is best-effort.
func (c *Cache[V]) Set(key string, value V) {
	c.inner.SetWithTTL(key, value, 1, c.ttl)
}

// Invalidate drops the entry for key.
func (c *Cache[V]) Invalidate(key string) {
	c.inner.Del(key)
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.inner.Clear()
}

// Wait blocks until buffered writes are applied. Only tests need this.
func (c *Cache[V]) Wait() {
	c.inner.Wait()
}

// Close releases the cache's resources.
func (c *Cache[V]) Close() {
	c.inner.Close()
}
