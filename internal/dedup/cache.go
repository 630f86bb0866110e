// Package dedup tracks recently processed message identities so the upload
// consumer can suppress duplicate side effects on top of an at-least-once
// transport. The record is process-local: two gateway instances keep
// independent caches, so deduplication across instances is best effort.
package dedup

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pkt.systems/blobd/internal/clock"
)

const (
	// DefaultCapacity bounds the number of identities retained.
	DefaultCapacity = 1024
	// DefaultTTL is how long a processed identity suppresses duplicates.
	DefaultTTL = 60 * time.Second
)

// Cache is a fixed-capacity, time-windowed record of processed message
// identities. Capacity is enforced by LRU eviction and freshness by a TTL
// check on lookup, so memory stays bounded without a background sweeper.
type Cache struct {
	mu    sync.Mutex
	ttl   time.Duration
	clk   clock.Clock
	cache *lru.Cache[string, time.Time]
}

// New constructs a Cache. Non-positive capacity or ttl fall back to the
// defaults; clk may be nil for wall-clock time.
func New(capacity int, ttl time.Duration, clk clock.Clock) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	inner, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup: init cache: %w", err)
	}
	return &Cache{ttl: ttl, clk: clk, cache: inner}, nil
}

// Seen reports whether id was marked processed within the TTL window. Stale
// entries are dropped on lookup; Seen never inserts.
func (c *Cache) Seen(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.cache.Get(id)
	if !ok {
		return false
	}
	if c.clk.Now().Sub(at) > c.ttl {
		c.cache.Remove(id)
		return false
	}
	return true
}

// Mark records id as processed at the current time, overwriting any earlier
// record.
func (c *Cache) Mark(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(id, c.clk.Now())
}

// Len reports the number of retained identities, stale entries included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
