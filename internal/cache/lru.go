// Package cache keeps recently restored calibrators in memory.
package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a size-bounded, thread-safe cache whose entries optionally expire.
type LRU[K comparable, V any] struct {
	cache *lru.Cache[K, ttlEntry[V]]
	ttl   time.Duration
	now   func() time.Time

	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLRU creates a cache of at most size entries. A zero ttl disables expiry.
func NewLRU[K comparable, V any](size int, ttl time.Duration) (*LRU[K, V], error) {
	inner, err := lru.New[K, ttlEntry[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRU[K, V]{cache: inner, ttl: ttl, now: time.Now}, nil
}

func (c *LRU[K, V]) expired(e ttlEntry[V]) bool {
	return c.ttl > 0 && c.now().After(e.expiresAt)
}

// Get returns the value for key if present and not expired.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	e, ok := c.cache.Get(key)
	if !ok || c.expired(e) {
		if ok {
			c.cache.Remove(key)
		}
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value, evicting the least recently used entry when full.
func (c *LRU[K, V]) Set(key K, value V) {
	e := ttlEntry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	if c.cache.Add(key, e) {
		c.evicted.Add(1)
	}
}

func (c *LRU[K, V]) Delete(key K) { c.cache.Remove(key) }

func (c *LRU[K, V]) Len() int { return c.cache.Len() }

// Clear drops every entry.
func (c *LRU[K, V]) Clear() { c.cache.Purge() }

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

func (c *LRU[K, V]) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Evicted: c.evicted.Load(),
		Size:    c.cache.Len(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// CleanupExpired removes expired entries and returns how many were removed.
// It is O(n) and meant for an infrequent background sweep.
func (c *LRU[K, V]) CleanupExpired() int {
	if c.ttl == 0 {
		return 0
	}
	removed := 0
	for _, key := range c.cache.Keys() {
		if e, ok := c.cache.Peek(key); ok && c.expired(e) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}
