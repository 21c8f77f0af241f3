package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTL_GetSet(t *testing.T) {
	c := New[string, int](time.Second, 0)
	defer c.Close()

	// Miss on empty cache.
	got, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, got)

	c.Set("k", 7)
	got, ok = c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 7, got)

	c.Delete("k")
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestTTL_Expiry(t *testing.T) {
	c := New[string, bool](time.Minute, 0)
	defer c.Close()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("k", true)
	_, ok := c.Get("k")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry should have expired")

	c.evictExpired()
	assert.Equal(t, 0, c.Len())
}

func TestTTL_CapacityEvictsClosestToExpiry(t *testing.T) {
	c := New[string, int](time.Minute, 2)
	defer c.Close()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	now = now.Add(time.Second)
	c.Set("b", 2)
	now = now.Add(time.Second)
	c.Set("c", 3)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("c")
	assert.True(t, ok)

	// Overwriting an existing key never evicts.
	c.Set("c", 4)
	assert.Equal(t, 2, c.Len())
}

func TestTTL_CloseIdempotent(t *testing.T) {
	c := New[int, int](time.Second, 0)
	c.Close()
	c.Close()
}
