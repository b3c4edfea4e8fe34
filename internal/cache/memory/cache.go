// Package memory provides an in-memory market.Cache for tests and local
// development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/skinpulse/harvester/internal/market"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a TTL map guarded by a mutex. Expired entries are dropped lazily
// on read.
type Cache struct {
	mu      sync.Mutex
	clock   market.Clock
	entries map[string]entry
}

// New creates a Cache using clock for expiry decisions.
func New(clock market.Clock) *Cache {
	return &Cache{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Get returns the value for key if present and unexpired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key; a zero ttl means no expiry.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.clock.Now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// Len returns the number of stored entries, including not-yet-reaped expired
// ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
