// Package classifier filters and rate-limits raw cookie change notifications.
package classifier

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/internal/observability"
	"github.com/crumbgate/crumbgate/internal/schema"
	"github.com/crumbgate/crumbgate/internal/telemetry"
)

// Classifier drops change notifications that are not user-actionable: churn
// from self-refreshing cookies, changes outside the observed context, and
// bursts inside the minimum inter-emission interval. Surviving notifications
// reach the sink; everything else is dropped, not queued — downstream
// reconciliation is debounced and idempotent, so lossy coalescing here is
// acceptable.
type Classifier struct {
	cfg     config.ClassifierConfig
	clock   func() time.Time
	sink    func(schema.Change)
	metrics *telemetry.Metrics

	mu       sync.Mutex
	observed map[string]struct{}
	history  map[string][]time.Time
	dynamic  map[string]struct{}
	limiter  *rate.Limiter
}

// New constructs a classifier delivering surviving notifications to sink.
// A nil clock defaults to time.Now.
func New(cfg config.ClassifierConfig, clock func() time.Time, sink func(schema.Change), metrics *telemetry.Metrics) *Classifier {
	if clock == nil {
		clock = time.Now
	}
	c := new(Classifier)
	c.cfg = cfg
	c.clock = clock
	c.sink = sink
	c.metrics = metrics
	c.observed = make(map[string]struct{})
	c.history = make(map[string][]time.Time)
	c.dynamic = make(map[string]struct{})
	c.limiter = rate.NewLimiter(rate.Every(cfg.EmissionInterval), 1)
	return c
}

// SetObserved replaces the set of domain variants currently in view.
// Notifications for any other domain are ignored outright.
func (c *Classifier) SetObserved(variants []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed = make(map[string]struct{}, len(variants))
	for _, v := range variants {
		c.observed[schema.NormalizeDomain(v)] = struct{}{}
	}
}

// Process classifies one raw notification. Safe for re-entrant invocation:
// all shared state is guarded and the sink is called outside the lock.
func (c *Classifier) Process(change schema.Change) {
	name := change.Cookie.Name
	now := c.clock()

	c.mu.Lock()
	if !c.overlapsObservedLocked(change.Cookie.Domain) {
		c.mu.Unlock()
		return
	}
	if _, dyn := c.dynamic[name]; dyn {
		c.mu.Unlock()
		c.metrics.RecordSuppressed(context.Background())
		return
	}

	window := append(c.pruneLocked(name, now), now)
	c.history[name] = window
	if len(window) > c.cfg.ChurnThreshold {
		// Presumed self-refreshing tracking/session cookie. Once classified
		// the name stays dynamic for the rest of the session.
		c.dynamic[name] = struct{}{}
		delete(c.history, name)
		c.mu.Unlock()
		c.metrics.RecordDynamicCookie(context.Background())
		c.metrics.RecordSuppressed(context.Background())
		observability.Log().Debug("cookie classified dynamic",
			observability.Field{Key: "cookie", Value: name})
		return
	}

	allowed := c.limiter.AllowN(now, 1)
	c.mu.Unlock()

	if !allowed {
		c.metrics.RecordSuppressed(context.Background())
		return
	}
	if c.sink != nil {
		c.sink(change)
	}
}

// Run consumes notifications until the context ends or the channel closes.
func (c *Classifier) Run(ctx context.Context, changes <-chan schema.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			c.Process(change)
		}
	}
}

// Dynamic reports whether a cookie name has been classified as high-churn.
func (c *Classifier) Dynamic(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dynamic[name]
	return ok
}

func (c *Classifier) overlapsObservedLocked(domain string) bool {
	_, ok := c.observed[schema.NormalizeDomain(domain)]
	return ok
}

func (c *Classifier) pruneLocked(name string, now time.Time) []time.Time {
	cutoff := now.Add(-c.cfg.ChurnWindow)
	window := c.history[name]
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	return pruned
}
