// Package telemetry instruments the engine's hot paths with OpenTelemetry metrics.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys for Crumbgate-specific telemetry.
const (
	// AttrOperation differentiates engine operations (save, delete, refresh, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
)

// Metrics bundles the engine's instruments. A nil *Metrics is valid and
// records nothing, so call sites never need to branch.
type Metrics struct {
	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	fetches         metric.Int64Counter
	refreshPasses   metric.Int64Counter
	suppressed      metric.Int64Counter
	dynamicCookies  metric.Int64Counter
	siblingRestores metric.Int64Counter
	mutationRetries metric.Int64Counter
	mutations       metric.Int64Counter
}

// NewMetrics registers the engine instruments on the provided meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := new(Metrics)
	var err error
	if m.cacheHits, err = meter.Int64Counter("crumbgate.cache.hits",
		metric.WithDescription("Aggregation cache hits")); err != nil {
		return nil, fmt.Errorf("create cache hit counter: %w", err)
	}
	if m.cacheMisses, err = meter.Int64Counter("crumbgate.cache.misses",
		metric.WithDescription("Aggregation cache misses")); err != nil {
		return nil, fmt.Errorf("create cache miss counter: %w", err)
	}
	if m.fetches, err = meter.Int64Counter("crumbgate.store.fetches",
		metric.WithDescription("Per-variant store fetches issued")); err != nil {
		return nil, fmt.Errorf("create fetch counter: %w", err)
	}
	if m.refreshPasses, err = meter.Int64Counter("crumbgate.refresh.passes",
		metric.WithDescription("Completed fetch/render passes")); err != nil {
		return nil, fmt.Errorf("create refresh counter: %w", err)
	}
	if m.suppressed, err = meter.Int64Counter("crumbgate.classifier.suppressed",
		metric.WithDescription("Change notifications dropped by the classifier")); err != nil {
		return nil, fmt.Errorf("create suppression counter: %w", err)
	}
	if m.dynamicCookies, err = meter.Int64Counter("crumbgate.classifier.dynamic",
		metric.WithDescription("Cookie names classified as dynamic")); err != nil {
		return nil, fmt.Errorf("create dynamic counter: %w", err)
	}
	if m.siblingRestores, err = meter.Int64Counter("crumbgate.mutate.sibling_restores",
		metric.WithDescription("Sibling cookies re-created after a safe delete")); err != nil {
		return nil, fmt.Errorf("create sibling restore counter: %w", err)
	}
	if m.mutationRetries, err = meter.Int64Counter("crumbgate.mutate.retries",
		metric.WithDescription("Per-cookie deletion retries in bulk operations")); err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}
	if m.mutations, err = meter.Int64Counter("crumbgate.mutate.operations",
		metric.WithDescription("Mutation operations by kind and result")); err != nil {
		return nil, fmt.Errorf("create mutation counter: %w", err)
	}
	return m, nil
}

// RecordCacheHit counts a cache read served without a store fetch.
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1)
}

// RecordCacheMiss counts a cache read that required a fresh fetch.
func (m *Metrics) RecordCacheMiss(ctx context.Context) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1)
}

// RecordFetch counts one per-variant store fetch.
func (m *Metrics) RecordFetch(ctx context.Context) {
	if m == nil {
		return
	}
	m.fetches.Add(ctx, 1)
}

// RecordRefreshPass counts a completed fetch/render pass.
func (m *Metrics) RecordRefreshPass(ctx context.Context) {
	if m == nil {
		return
	}
	m.refreshPasses.Add(ctx, 1)
}

// RecordSuppressed counts a notification dropped by the classifier.
func (m *Metrics) RecordSuppressed(ctx context.Context) {
	if m == nil {
		return
	}
	m.suppressed.Add(ctx, 1)
}

// RecordDynamicCookie counts a name newly classified as dynamic.
func (m *Metrics) RecordDynamicCookie(ctx context.Context) {
	if m == nil {
		return
	}
	m.dynamicCookies.Add(ctx, 1)
}

// RecordSiblingRestore counts one sibling re-creation, by result.
func (m *Metrics) RecordSiblingRestore(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.siblingRestores.Add(ctx, 1, metric.WithAttributes(AttrResult.String(result)))
}

// RecordMutationRetry counts one per-cookie deletion retry.
func (m *Metrics) RecordMutationRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.mutationRetries.Add(ctx, 1)
}

// RecordMutation counts one mutation operation by kind and result.
func (m *Metrics) RecordMutation(ctx context.Context, operation, result string) {
	if m == nil {
		return
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(operation),
		AttrResult.String(result),
	))
}
