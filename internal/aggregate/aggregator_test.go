package aggregate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/schema"
	"github.com/crumbgate/crumbgate/internal/store"
)

type countingStore struct {
	*store.Memory
	lists atomic.Int64
}

func (c *countingStore) List(ctx context.Context, filter store.Filter) ([]schema.Cookie, error) {
	c.lists.Add(1)
	return c.Memory.List(ctx, filter)
}

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func cacheConfig() config.CacheConfig {
	return config.CacheConfig{TTL: 15 * time.Second, SweepInterval: 5 * time.Minute}
}

func newFixture(clock *fakeClock) (*countingStore, *Cache, *Aggregator) {
	st := &countingStore{Memory: store.NewMemory()}
	cache := NewCache(cacheConfig(), clock.Now)
	agg := New(st, cache, clock.Now, nil, nil)
	return st, cache, agg
}

func TestAggregateDedupAndExactDomain(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, cache, agg := newFixture(clock)
	defer cache.Close()

	st.Seed(
		schema.Cookie{Name: "sid", Domain: "example.com", Path: "/", Value: "exact"},
		schema.Cookie{Name: "sid", Domain: "www.example.com", Path: "/", Value: "www"},
		schema.Cookie{Name: "sid", Domain: "sub.example.com", Path: "/", Value: "subdomain"},
		schema.Cookie{Name: "other", Domain: ".example.com", Path: "/", Value: "dotted"},
	)

	set, err := agg.Aggregate(context.Background(), "https://www.example.com/", Options{Sort: schema.SortAsc})
	require.NoError(t, err)

	seen := make(map[schema.Key]struct{})
	for _, c := range set.Cookies() {
		_, dup := seen[c.Key()]
		require.False(t, dup, "dedup invariant: no two records share (name, domain, path)")
		seen[c.Key()] = struct{}{}
		require.NotEqual(t, "subdomain", c.Value, "exact-domain invariant: strict subdomains are excluded")
	}
	require.Equal(t, 3, set.Len())
}

func TestAggregateVariantOrderIsTheTieBreak(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, cache, agg := newFixture(clock)
	defer cache.Close()

	// Same composite key cannot exist across two domains, so the tie-break
	// shows when the parent variant carries a same-name cookie on the same
	// path but a different domain; both survive dedup. The tie-break matters
	// for identical keys arriving from overlapping variant queries.
	st.Seed(schema.Cookie{Name: "sid", Domain: "example.com", Path: "/", Value: "canonical"})

	set, err := agg.Aggregate(context.Background(), "https://www.example.com/", Options{})
	require.NoError(t, err)
	got, ok := set.Lookup(schema.Key{Name: "sid", Domain: "example.com", Path: "/"})
	require.True(t, ok)
	require.Equal(t, "canonical", got.Value)
}

func TestCacheTTLScenario(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, cache, agg := newFixture(clock)
	defer cache.Close()

	st.Seed(schema.Cookie{Name: "a", Domain: "example.com", Path: "/", Value: "1"})
	ctx := context.Background()

	// t=0: first read populates the cache.
	set, err := agg.Aggregate(ctx, "https://example.com/", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	callsAfterFill := st.lists.Load()

	// t=10s: within TTL, served from cache with zero store calls.
	clock.Advance(10 * time.Second)
	set, err = agg.Aggregate(ctx, "https://example.com/", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	require.Equal(t, callsAfterFill, st.lists.Load())

	// t=20s: past TTL, a fresh fetch is issued.
	clock.Advance(10 * time.Second)
	_, err = agg.Aggregate(ctx, "https://example.com/", Options{})
	require.NoError(t, err)
	require.Greater(t, st.lists.Load(), callsAfterFill)
}

func TestBypassSkipsAndInvalidatesCache(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, cache, agg := newFixture(clock)
	defer cache.Close()
	ctx := context.Background()

	st.Seed(schema.Cookie{Name: "a", Domain: "example.com", Path: "/", Value: "1"})
	_, err := agg.Aggregate(ctx, "https://example.com/", Options{})
	require.NoError(t, err)

	before := st.lists.Load()
	_, err = agg.Aggregate(ctx, "https://example.com/", Options{Bypass: true})
	require.NoError(t, err)
	require.Greater(t, st.lists.Load(), before, "bypass must refetch even inside TTL")
}

func TestEmptyContextReturnsEmptySetWithoutFetching(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, cache, agg := newFixture(clock)
	defer cache.Close()

	set, err := agg.Aggregate(context.Background(), "", Options{})
	require.NoError(t, err)
	require.Zero(t, set.Len())
	require.Zero(t, st.lists.Load())
}

func TestStaleContextResultIsDiscarded(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st := &countingStore{Memory: store.NewMemory()}
	cache := NewCache(cacheConfig(), clock.Now)
	defer cache.Close()

	active := "https://elsewhere.com/"
	agg := New(st, cache, clock.Now, nil, func() string { return active })

	st.Seed(schema.Cookie{Name: "a", Domain: "example.com", Path: "/", Value: "1"})
	_, err := agg.Aggregate(context.Background(), "https://example.com/", Options{})
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeStaleContext))
	require.Zero(t, cache.Len(), "stale results must never be committed to cache")
}

func TestParentInclusionPullsTwoLabelParent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, cache, agg := newFixture(clock)
	defer cache.Close()

	st.Seed(
		schema.Cookie{Name: "app", Domain: "app.example.com", Path: "/", Value: "sub"},
		schema.Cookie{Name: "root", Domain: "example.com", Path: "/", Value: "parent"},
	)

	set, err := agg.Aggregate(context.Background(), "https://app.example.com/", Options{IncludeParent: true})
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	set, err = agg.Aggregate(context.Background(), "https://app.example.com/x", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, set.Len(), "parent cookies excluded when the option is off")
}

func TestCacheEntryKeyedByContextURL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	st, cache, agg := newFixture(clock)
	defer cache.Close()
	ctx := context.Background()

	st.Seed(schema.Cookie{Name: "a", Domain: "example.com", Path: "/", Value: "1"})
	_, err := agg.Aggregate(ctx, "https://example.com/page1", Options{})
	require.NoError(t, err)

	before := st.lists.Load()
	_, err = agg.Aggregate(ctx, "https://example.com/page2", Options{})
	require.NoError(t, err)
	require.Greater(t, st.lists.Load(), before, "a different context URL is a different cache key")
}
