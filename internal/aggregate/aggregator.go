package aggregate

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/domains"
	"github.com/crumbgate/crumbgate/internal/observability"
	"github.com/crumbgate/crumbgate/internal/schema"
	"github.com/crumbgate/crumbgate/internal/store"
	"github.com/crumbgate/crumbgate/internal/telemetry"
)

// Options shape a single aggregation pass.
type Options struct {
	Sort          schema.SortDirection
	IncludeParent bool
	// Bypass skips the cache read and invalidates the entry so subsequent
	// reads refetch too. Used for explicit user-initiated refreshes.
	Bypass  bool
	StoreID string
}

// Aggregator merges per-variant store fetches into a deduplicated, sorted
// cookie set and maintains the context cache.
type Aggregator struct {
	store   store.Store
	cache   *Cache
	clock   func() time.Time
	metrics *telemetry.Metrics
	// activeContext reports the context currently in view. A fetch whose
	// context no longer matches at commit time is discarded rather than
	// cached: the last write may be stale, so check before commit.
	activeContext func() string
}

// New constructs an aggregator. activeContext may be nil, disabling the
// stale-context guard (tests). A nil clock defaults to time.Now.
func New(st store.Store, cache *Cache, clock func() time.Time, metrics *telemetry.Metrics, activeContext func() string) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	a := new(Aggregator)
	a.store = st
	a.cache = cache
	a.clock = clock
	a.metrics = metrics
	a.activeContext = activeContext
	return a
}

// Aggregate produces the cookie view for the context URL, serving from cache
// when a valid entry exists.
func (a *Aggregator) Aggregate(ctx context.Context, contextURL string, opts Options) (schema.Set, error) {
	resolution, err := domains.Resolve(contextURL, domains.Options{IncludeParent: opts.IncludeParent})
	if err != nil {
		return schema.Set{}, err
	}
	if resolution.Empty() {
		// No queryable variants: the caller renders "no cookies" rather
		// than fetching unscoped.
		return schema.NewSet(nil), nil
	}

	if opts.Bypass {
		a.cache.Invalidate(contextURL)
	} else if entry, ok := a.cache.Get(contextURL); ok {
		a.metrics.RecordCacheHit(ctx)
		return entry.Set.Sort(opts.Sort), nil
	}
	a.metrics.RecordCacheMiss(ctx)

	merged, err := a.fetchVariants(ctx, resolution.Variants, opts.StoreID)
	if err != nil {
		return schema.Set{}, err
	}

	set := schema.NewSet(merged).Sort(opts.Sort)

	if a.activeContext != nil && a.activeContext() != contextURL {
		return schema.Set{}, errs.StaleContext("aggregate", contextURL)
	}
	a.cache.Put(contextURL, resolution.Canonical, set)
	return set, nil
}

// fetchVariants queries every variant concurrently, then concatenates the
// exact-domain matches in variant order so dedup keeps the right winner.
func (a *Aggregator) fetchVariants(ctx context.Context, variants []string, storeID string) ([]schema.Cookie, error) {
	results := make([][]schema.Cookie, len(variants))
	failures := make([]error, len(variants))

	var wg conc.WaitGroup
	for i, variant := range variants {
		wg.Go(func() {
			a.metrics.RecordFetch(ctx)
			cookies, err := a.store.List(ctx, store.Filter{Domain: variant, StoreID: storeID})
			if err != nil {
				failures[i] = err
				return
			}
			exact := cookies[:0]
			for _, c := range cookies {
				if domains.MatchesExactly(c.Domain, variant) {
					exact = append(exact, c)
				}
			}
			results[i] = exact
		})
	}
	wg.Wait()

	if err := observability.AggregateErrors("aggregate fetch", failures); err != nil {
		return nil, errs.New("aggregate", errs.CodeStoreUnavailable,
			errs.WithMessage("variant fetch failed"),
			errs.WithCause(err))
	}

	var merged []schema.Cookie
	for _, batch := range results {
		merged = append(merged, batch...)
	}
	return merged, nil
}
