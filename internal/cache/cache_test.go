// SPDX-License-Identifier: MIT

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c := New(0)

	c.Set("key1", "value1", 5*time.Minute)

	val, ok := c.Get("key1")
	require.True(t, ok, "expected to find key1")
	assert.Equal(t, "value1", val)

	_, ok = c.Get("nonexistent")
	assert.False(t, ok, "expected not to find nonexistent key")
}

func TestExpiration(t *testing.T) {
	c := New(0)

	c.Set("shortlived", "value", 50*time.Millisecond)

	val, ok := c.Get("shortlived")
	require.True(t, ok)
	assert.Equal(t, "value", val)

	time.Sleep(100 * time.Millisecond)

	_, ok = c.Get("shortlived")
	assert.False(t, ok, "expected key to be expired")
}

func TestDelete(t *testing.T) {
	c := New(0)

	c.Set("key1", "value1", 5*time.Minute)
	c.Delete("key1")

	_, ok := c.Get("key1")
	assert.False(t, ok)
}

func TestDeletePrefix(t *testing.T) {
	c := New(0)

	c.Set("history/episode/1", 1, time.Minute)
	c.Set("history/episode/2", 2, time.Minute)
	c.Set("queue", 3, time.Minute)

	removed := c.DeletePrefix("history/episode/")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("queue")
	assert.True(t, ok, "unrelated key must survive prefix invalidation")
	_, ok = c.Get("history/episode/1")
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	c := New(0)

	c.Set("stale", "v", -time.Second)
	c.Set("fresh", "v", time.Minute)

	removed := c.Sweep()
	assert.Equal(t, 1, removed)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestStatsActiveExpiredSplit(t *testing.T) {
	c := New(0)

	c.Set("live", "v", time.Minute)
	c.Set("dead", "v", -time.Second)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Expired)
}

func TestHitMissCounters(t *testing.T) {
	c := New(0)

	c.Set("k", "v", time.Minute)
	c.Get("k")
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(10 * time.Millisecond)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%10)
				c.Set(key, n, time.Millisecond)
				c.Get(key)
				if j%50 == 0 {
					c.DeletePrefix("k1")
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestRoundTripWithinTTL(t *testing.T) {
	c := New(0)

	c.Set("k", 42, 200*time.Millisecond)
	val, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, val)

	time.Sleep(250 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "value must expire after its TTL")
}
