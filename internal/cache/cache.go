// SPDX-License-Identifier: MIT

// Package cache provides a simple in-memory cache with TTL support.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Cache provides thread-safe caching with per-entry expiration.
//
// Values are treated as immutable snapshots: callers must not mutate a
// value after storing or retrieving it.
type Cache interface {
	// Get retrieves a value from the cache. A missing or expired key is a
	// miss, not an error.
	Get(key string) (any, bool)
	// Set stores a value in the cache with the specified TTL.
	Set(key string, value any, ttl time.Duration)
	// Delete removes a value from the cache.
	Delete(key string)
	// DeletePrefix removes all values whose key starts with prefix.
	// Returns the number of entries removed.
	DeletePrefix(prefix string) int
	// Clear removes all values from the cache.
	Clear()
	// Sweep drops expired entries and returns how many were removed.
	Sweep() int
	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache performance metrics.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`    // total entries, including expired not yet swept
	Active    int   `json:"active"`  // entries still within their TTL
	Expired   int   `json:"expired"` // entries past their TTL awaiting sweep
}

// entry represents a cached value with an absolute expiration time.
type entry struct {
	value     any
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// memoryCache is the in-memory implementation of Cache.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats
	janitor *janitor
}

// New creates an in-memory cache. When cleanupInterval is positive, a
// background janitor sweeps expired entries at that interval; call Stop
// to release it.
func New(cleanupInterval time.Duration) *memoryCache {
	c := &memoryCache{
		entries: make(map[string]*entry),
	}
	if cleanupInterval > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}
	return c
}

// Get retrieves a value from the cache.
func (c *memoryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.expired(time.Now()) {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return e.value, true
}

// Set stores a value in the cache.
func (c *memoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	c.stats.Sets++
}

// Delete removes a value from the cache.
func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix removes all entries whose key starts with prefix.
func (c *memoryCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			count++
		}
	}
	return count
}

// Clear removes all values from the cache.
func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *memoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	count := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			count++
		}
	}
	c.stats.Evictions += int64(count)
	return count
}

// Stats returns cache statistics including a live active/expired split.
func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Size = len(c.entries)
	now := time.Now()
	for _, e := range c.entries {
		if e.expired(now) {
			stats.Expired++
		} else {
			stats.Active++
		}
	}
	return stats
}

// Stop stops the background janitor goroutine.
func (c *memoryCache) Stop() {
	if c.janitor != nil {
		close(c.janitor.stop)
	}
}

// janitor performs periodic cleanup of expired entries.
type janitor struct {
	interval time.Duration
	stop     chan struct{}
}

func (j *janitor) run(c *memoryCache) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-j.stop:
			return
		}
	}
}
