package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/internal/schema"
)

func TestCacheExpiryAndInvalidate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cache := NewCache(config.CacheConfig{TTL: 15 * time.Second, SweepInterval: time.Hour}, clock.Now)
	defer cache.Close()

	set := schema.NewSet([]schema.Cookie{{Name: "a", Domain: "example.com", Path: "/", Value: "1"}})
	cache.Put("https://example.com/", "example.com", set)

	entry, ok := cache.Get("https://example.com/")
	require.True(t, ok)
	require.Equal(t, 1, entry.Set.Len())

	_, ok = cache.Get("https://other.com/")
	require.False(t, ok)

	clock.Advance(15 * time.Second)
	_, ok = cache.Get("https://example.com/")
	require.False(t, ok, "an entry at exactly TTL age is expired")

	cache.Put("https://example.com/", "example.com", set)
	cache.Invalidate("https://example.com/")
	_, ok = cache.Get("https://example.com/")
	require.False(t, ok)
}

func TestCacheBackgroundSweepPurgesAll(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cache := NewCache(config.CacheConfig{TTL: time.Hour, SweepInterval: 10 * time.Millisecond}, clock.Now)
	defer cache.Close()

	cache.Put("https://example.com/", "example.com", schema.NewSet(nil))
	require.Eventually(t, func() bool {
		return cache.Len() == 0
	}, time.Second, 5*time.Millisecond, "sweep clears the whole cache independent of TTL")
}
