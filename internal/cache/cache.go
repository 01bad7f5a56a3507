// Package cache provides a thread-safe in-memory cache with a fixed
// per-instance TTL. It is used for reference data (long TTL) and quote
// data (short TTL); each entity class gets its own cache instance.
package cache

import (
	"context"
	"sync"
	"time"
)

// entry pairs a value with its absolute expiration instant.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a key/value store whose entries expire ttl after they are
// written. Expired entries are treated as absent on read (lazy eviction);
// CleanupExpired or a janitor goroutine reclaims the memory.
type Cache[K comparable, V any] struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[K]entry[V]

	nowFunc func() time.Time // injectable clock for testing
}

// New creates a Cache whose entries live for ttl after each Put.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		entries: make(map[K]entry[V]),
		nowFunc: time.Now,
	}
}

// Get returns the live value for key. An entry whose expiration instant has
// been reached is treated as absent; expiry is inclusive (now >= expiresAt).
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.nowFunc().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetOrFetch returns the cached live value for key, or invokes fetch
// synchronously, stores the result, and returns it. A fetch error propagates
// to the caller and nothing is stored.
//
// The fetch runs outside the cache lock, so two concurrent callers missing
// on the same key may both invoke fetch; last write wins. Duplicate
// suppression for expensive loads belongs to the load coordinator, not here.
func (c *Cache[K, V]) GetOrFetch(key K, fetch func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := fetch()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}

// Put stores value under key, replacing any previous entry and restarting
// its TTL.
func (c *Cache[K, V]) Put(key K, value V) {
	exp := c.nowFunc().Add(c.ttl)
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: exp}
	c.mu.Unlock()
}

// Invalidate removes key immediately.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// CleanupExpired removes every expired entry and returns the number removed.
// It is an O(n) scan intended to run on a timer, not on every access.
func (c *Cache[K, V]) CleanupExpired() int {
	now := c.nowFunc()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// StartJanitor runs CleanupExpired every interval until ctx is cancelled.
func (c *Cache[K, V]) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CleanupExpired()
			}
		}
	}()
}
