// Package cache provides a generic expiring loader cache combining LRU
// storage with singleflight to coalesce concurrent loads for the same key.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// entry pairs a cached value with its expiry deadline.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache caches values until a per-entry deadline and loads them on miss
// via a callback. Concurrent misses for the same key are coalesced with
// singleflight: one load runs, the rest wait for and share that result.
// Expired entries are evicted lazily on access; LRU bounds total size.
type TTLCache[K comparable, V any] struct {
	lru         *lru.Cache[string, entry[V]]
	group       singleflight.Group
	keyToString func(K) string
	now         func() time.Time
}

// NewTTLCache creates a cache with the given max entries and key serializer.
func NewTTLCache[K comparable, V any](maxEntries int, keyToString func(K) string) (*TTLCache[K, V], error) {
	lruCache, err := lru.New[string, entry[V]](maxEntries)
	if err != nil {
		return nil, err
	}

	return &TTLCache[K, V]{
		lru:         lruCache,
		keyToString: keyToString,
		now:         time.Now,
	}, nil
}

// Get returns the cached value for key when its deadline has not passed,
// otherwise loads it via load. The loader returns the value together with its
// expiry deadline; a zero deadline means "do not cache".
func (c *TTLCache[K, V]) Get(ctx context.Context, key K, load func(context.Context, K) (V, time.Time, error)) (V, error) {
	keyStr := c.keyToString(key)
	if e, ok := c.lru.Get(keyStr); ok && c.now().Before(e.expiresAt) {
		return e.value, nil
	}

	val, err, _ := c.group.Do(keyStr, func() (any, error) {
		// Re-check under singleflight: another waiter may have refreshed it.
		if e, ok := c.lru.Get(keyStr); ok && c.now().Before(e.expiresAt) {
			return e.value, nil
		}

		loaded, expiresAt, loadErr := load(ctx, key)
		if loadErr != nil {
			return zero[V](), loadErr
		}

		if !expiresAt.IsZero() {
			c.lru.Add(keyStr, entry[V]{value: loaded, expiresAt: expiresAt})
		}

		return loaded, nil
	})
	if err != nil {
		return zero[V](), err
	}

	return val.(V), nil
}

func zero[V any]() (z V) { return z }

// Invalidate removes the entry for key.
func (c *TTLCache[K, V]) Invalidate(key K) {
	c.lru.Remove(c.keyToString(key))
}

// InvalidateAll removes all entries.
func (c *TTLCache[K, V]) InvalidateAll() {
	c.lru.Purge()
}

// Len returns the number of entries in the cache, including expired ones
// that have not been evicted yet.
func (c *TTLCache[K, V]) Len() int {
	return c.lru.Len()
}
