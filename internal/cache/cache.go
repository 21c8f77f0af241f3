// Package cache provides a short-TTL in-memory cache with optional capacity bound.
//
// It backs the detector's recently-emitted conflict keys and the resolution
// engine's read-through cache of resolution snapshots. Values are stored as
// given, so callers cache copies they do not mutate afterwards.
package cache

import (
	"sync"
	"time"
)

// TTL is a concurrency-safe map whose entries expire after a fixed duration.
// When capacity is positive, inserting into a full cache evicts the entry
// closest to expiry.
type TTL[K comparable, V any] struct {
	mu       sync.RWMutex
	entries  map[K]entry[V]
	ttl      time.Duration
	capacity int
	now      func() time.Time
	done     chan struct{}
	once     sync.Once
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache with the given TTL and capacity (0 for unbounded).
// Call Close to stop the background eviction goroutine.
func New[K comparable, V any](ttl time.Duration, capacity int) *TTL[K, V] {
	c := &TTL[K, V]{
		entries:  make(map[K]entry[V]),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached value and true if a live entry exists.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value with the configured TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.capacity > 0 && len(c.entries) >= c.capacity {
		c.evictOneLocked()
	}
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete removes a key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background eviction goroutine. Safe to call more than once.
func (c *TTL[K, V]) Close() {
	c.once.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every minute.
func (c *TTL[K, V]) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *TTL[K, V]) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *TTL[K, V]) evictOneLocked() {
	var (
		victim K
		oldest time.Time
		found  bool
	)
	for k, v := range c.entries {
		if !found || v.expiresAt.Before(oldest) {
			victim, oldest, found = k, v.expiresAt, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}
