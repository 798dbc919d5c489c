package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a MemoryCache created with a non-positive size.
const DefaultMaxEntries = 1024

type entry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is an in-process Cache used when no Redis is configured.
// Values are stored JSON-encoded so callers get copies.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
}

// NewMemoryCache creates a MemoryCache holding at most maxEntries values.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryCache{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !c.now().Before(e.expires) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.value, dst); err != nil {
		return false, fmt.Errorf("decode cached value: %w", err)
	}
	return true, nil
}

// Set implements Cache. When full, expired entries are dropped first, then
// the entry closest to expiry.
func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached value: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.maxEntries {
			var (
				victim  string
				soonest time.Time
			)
			for k, e := range c.entries {
				if victim == "" || e.expires.Before(soonest) {
					victim, soonest = k, e.expires
				}
			}
			delete(c.entries, victim)
		}
	}
	c.entries[key] = entry{value: b, expires: now.Add(ttl)}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Ping implements Cache.
func (c *MemoryCache) Ping(context.Context) error { return nil }

// Close implements Cache.
func (c *MemoryCache) Close() error { return nil }
