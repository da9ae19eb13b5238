// Package mutate performs create/edit/delete against the external cookie
// store while compensating for its coarse deletion semantics.
package mutate

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/observability"
	"github.com/crumbgate/crumbgate/internal/schema"
	"github.com/crumbgate/crumbgate/internal/store"
	"github.com/crumbgate/crumbgate/internal/telemetry"
	"github.com/crumbgate/crumbgate/lib/async"
)

const maxRetryInterval = 2 * time.Second

// Engine is the safe mutation layer. All user mutations flow through it;
// history replays come back through it too.
type Engine struct {
	store   store.Store
	cfg     config.MutationConfig
	pool    *async.Pool
	metrics *telemetry.Metrics
}

// NewEngine constructs a mutation engine over the external store.
func NewEngine(st store.Store, cfg config.MutationConfig, metrics *telemetry.Metrics) (*Engine, error) {
	pool, err := async.NewPool(cfg.BulkWorkers, cfg.BulkWorkers*2)
	if err != nil {
		return nil, fmt.Errorf("create bulk pool: %w", err)
	}
	e := new(Engine)
	e.store = st
	e.cfg = cfg
	e.pool = pool
	e.metrics = metrics
	return e, nil
}

// Close releases the bulk worker pool.
func (e *Engine) Close() {
	e.pool.Close()
}

// SaveRequest describes one save. Previous identifies the record being
// edited; nil means a create.
type SaveRequest struct {
	Cookie   schema.Cookie
	Previous *schema.Cookie
}

// Save writes one cookie. When the name or path differs from the record
// being edited, the store would index the write as a brand-new cookie and
// leave the old one behind, so the old identity is deleted first.
func (e *Engine) Save(ctx context.Context, req SaveRequest) error {
	if err := req.Cookie.Validate(); err != nil {
		e.metrics.RecordMutation(ctx, "save", "invalid")
		return err
	}

	if req.Previous != nil && identityMoved(*req.Previous, req.Cookie) {
		if err := e.Delete(ctx, *req.Previous); err != nil {
			e.metrics.RecordMutation(ctx, "save", "error")
			return fmt.Errorf("remove previous identity: %w", err)
		}
	}

	if err := e.store.Set(ctx, req.Cookie); err != nil {
		e.metrics.RecordMutation(ctx, "save", "error")
		return errs.New("mutate", errs.CodeStoreUnavailable,
			errs.WithMessage("save rejected by store"),
			errs.WithField("cookie", req.Cookie.Key().String()),
			errs.WithCause(err))
	}
	e.metrics.RecordMutation(ctx, "save", "success")
	return nil
}

// Delete removes exactly one (name, domain, path) triple. The store's
// deletion primitive can take out any same-name cookie along the URL's path
// hierarchy, so same-name siblings on other paths are captured first and
// re-created afterwards, attributes intact.
//
// Sibling recreation failures are logged and tolerated: the user's deletion
// succeeded, and reporting a hard failure for a secondary restoration would
// be misleading. The call resolves only after every recreation has settled
// so the next refresh observes the reconciled state.
func (e *Engine) Delete(ctx context.Context, target schema.Cookie) error {
	if err := target.Key().Validate(); err != nil {
		e.metrics.RecordMutation(ctx, "delete", "invalid")
		return err
	}

	domain := schema.NormalizeDomain(target.Domain)
	under, err := e.store.List(ctx, store.Filter{Domain: domain, Name: target.Name, StoreID: target.StoreID})
	if err != nil {
		e.metrics.RecordMutation(ctx, "delete", "error")
		return errs.New("mutate", errs.CodeStoreUnavailable,
			errs.WithMessage("sibling scan failed"),
			errs.WithField("cookie", target.Key().String()),
			errs.WithCause(err))
	}

	targetPath := target.Path
	if targetPath == "" {
		targetPath = "/"
	}
	var siblings []schema.Cookie
	for _, c := range under {
		path := c.Path
		if path == "" {
			path = "/"
		}
		if path != targetPath {
			siblings = append(siblings, c.Clone())
		}
	}

	if err := e.store.DeleteByURL(ctx, target.Name, target.WriteURL(), target.StoreID); err != nil {
		e.metrics.RecordMutation(ctx, "delete", "error")
		return errs.New("mutate", errs.CodeStoreUnavailable,
			errs.WithMessage("delete rejected by store"),
			errs.WithField("cookie", target.Key().String()),
			errs.WithCause(err))
	}

	e.restoreSiblings(ctx, siblings)
	e.metrics.RecordMutation(ctx, "delete", "success")
	return nil
}

func (e *Engine) restoreSiblings(ctx context.Context, siblings []schema.Cookie) {
	if len(siblings) == 0 {
		return
	}
	failures := make([]error, len(siblings))
	var wg conc.WaitGroup
	for i, sibling := range siblings {
		wg.Go(func() {
			if err := e.store.Set(ctx, sibling); err != nil {
				failures[i] = fmt.Errorf("restore %s: %w", sibling.Key().String(), err)
				e.metrics.RecordSiblingRestore(ctx, "error")
				return
			}
			e.metrics.RecordSiblingRestore(ctx, "success")
		})
	}
	wg.Wait()
	observability.LogPartialFailures("sibling restore", failures)
}

// DeleteBulk removes the target set: one deletion URL per (domain, path)
// group, per-cookie deletions inside each group issued concurrently with a
// small bounded retry. Individual permanent failures are logged and the
// operation still reports success; only total failure surfaces an error.
func (e *Engine) DeleteBulk(ctx context.Context, targets []schema.Cookie) error {
	if len(targets) == 0 {
		return nil
	}

	type group struct {
		url     string
		cookies []schema.Cookie
	}
	groups := make(map[string]*group)
	for _, t := range targets {
		g, ok := groups[t.WriteURL()]
		if !ok {
			g = &group{url: t.WriteURL()}
			groups[t.WriteURL()] = g
		}
		g.cookies = append(g.cookies, t)
	}

	var tasks []async.Task
	for _, g := range groups {
		for _, cookie := range g.cookies {
			url := g.url
			name := cookie.Name
			storeID := cookie.StoreID
			tasks = append(tasks, func(taskCtx context.Context) error {
				return e.deleteWithRetry(taskCtx, name, url, storeID)
			})
		}
	}

	results := e.pool.RunBatch(ctx, tasks)
	var failed int
	for _, res := range results {
		if res != nil {
			failed++
		}
	}
	observability.LogPartialFailures("bulk delete", results,
		observability.Field{Key: "targets", Value: len(targets)})

	if failed == len(tasks) {
		e.metrics.RecordMutation(ctx, "delete_bulk", "error")
		return errs.New("mutate", errs.CodeStoreUnavailable,
			errs.WithMessage("every deletion in the bulk operation failed"),
			errs.WithField("targets", fmt.Sprintf("%d", len(targets))))
	}
	e.metrics.RecordMutation(ctx, "delete_bulk", "success")
	return nil
}

// ImportCookies writes a batch of pre-decoded records through the save path.
// Unlike bulk delete, imports abort on the first failure: a half-applied
// import with no report would silently diverge from the imported file.
func (e *Engine) ImportCookies(ctx context.Context, cookies []schema.Cookie) error {
	for _, c := range cookies {
		if err := e.Save(ctx, SaveRequest{Cookie: c}); err != nil {
			e.metrics.RecordMutation(ctx, "import", "error")
			return fmt.Errorf("import %s: %w", c.Key().String(), err)
		}
	}
	e.metrics.RecordMutation(ctx, "import", "success")
	return nil
}

func (e *Engine) deleteWithRetry(ctx context.Context, name, url, storeID string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = maxRetryInterval

	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		lastErr = e.store.DeleteByURL(ctx, name, url, storeID)
		if lastErr == nil {
			return nil
		}
		if attempt == e.cfg.RetryAttempts {
			break
		}
		e.metrics.RecordMutationRetry(ctx)
		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxRetryInterval
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bulk delete context: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("delete %s at %s: %w", name, url, lastErr)
}

// identityMoved reports whether the edit changed the store-indexed identity.
func identityMoved(previous, next schema.Cookie) bool {
	if previous.Name != next.Name {
		return true
	}
	prevPath := previous.Path
	if prevPath == "" {
		prevPath = "/"
	}
	nextPath := next.Path
	if nextPath == "" {
		nextPath = "/"
	}
	if prevPath != nextPath {
		return true
	}
	return schema.NormalizeDomain(previous.Domain) != schema.NormalizeDomain(next.Domain)
}
