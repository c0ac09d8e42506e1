package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// CachedValue represents a cached value and when it was stored
type CachedValue[V any] struct {
	Value     V
	Timestamp time.Time
}

// TTL is a concurrency-safe in-memory cache whose entries expire after ttl.
// A zero ttl keeps entries forever.
type TTL[V any] struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time
}

// NewTTL creates a cache with the given entry lifetime.
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{ttl: ttl, now: time.Now}
}

// Get returns the value stored under key if it has not expired.
func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V
	val, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	cached := val.(CachedValue[V])
	if c.ttl > 0 && c.now().Sub(cached.Timestamp) > c.ttl {
		c.entries.Delete(key)
		return zero, false
	}
	return cached.Value, true
}

// Set stores value under key.
func (c *TTL[V]) Set(key string, value V) {
	c.entries.Store(key, CachedValue[V]{Value: value, Timestamp: c.now()})
}

// Delete removes key.
func (c *TTL[V]) Delete(key string) {
	c.entries.Delete(key)
}

// GenerateCacheKey generates a cache key from its parts
func GenerateCacheKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
