// Package engine is the controller tying the aggregation, mutation,
// scheduling, history, and profile layers into one public surface.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/aggregate"
	"github.com/crumbgate/crumbgate/internal/classifier"
	"github.com/crumbgate/crumbgate/internal/domains"
	"github.com/crumbgate/crumbgate/internal/history"
	"github.com/crumbgate/crumbgate/internal/mutate"
	"github.com/crumbgate/crumbgate/internal/observability"
	"github.com/crumbgate/crumbgate/internal/permission"
	"github.com/crumbgate/crumbgate/internal/prefs"
	"github.com/crumbgate/crumbgate/internal/profile"
	"github.com/crumbgate/crumbgate/internal/scheduler"
	"github.com/crumbgate/crumbgate/internal/schema"
	"github.com/crumbgate/crumbgate/internal/store"
	"github.com/crumbgate/crumbgate/internal/telemetry"
)

// Deps carries the external collaborators the engine does not construct
// itself.
type Deps struct {
	Store    store.Store
	Profiles profile.Store
	Prefs    prefs.Store
	Perms    permission.Checker
	Metrics  *telemetry.Metrics
	Clock    func() time.Time
}

// Engine is the single entry point for callers. All operations return an
// error rather than panicking, and all mutations invalidate the context
// cache before scheduling the follow-up refresh.
type Engine struct {
	cfg      config.AppConfig
	store    store.Store
	profiles profile.Store
	prefs    prefs.Store
	perms    permission.Checker
	metrics  *telemetry.Metrics
	clock    func() time.Time

	cache *aggregate.Cache
	agg   *aggregate.Aggregator
	mut   *mutate.Engine
	hist  *history.History
	sched *scheduler.Scheduler
	class *classifier.Classifier
	drift *profile.DriftDetector

	mu            sync.RWMutex
	contextURL    string
	sort          schema.SortDirection
	includeParent bool
	view          schema.Set
	staged        schema.Set

	runCtx       context.Context
	runCancel    context.CancelFunc
	changeCancel func()
	loops        conc.WaitGroup
	started      bool
	closed       bool
}

// New wires the engine. Call Start before use and Close on shutdown.
func New(cfg config.AppConfig, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errs.New("engine", errs.CodeInvalid, errs.WithMessage("cookie store required"))
	}
	if deps.Profiles == nil {
		deps.Profiles = profile.NewMemoryStore()
	}
	if deps.Prefs == nil {
		deps.Prefs = prefs.NewMemoryStore()
	}
	if deps.Perms == nil {
		deps.Perms = permission.NewStaticChecker()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	e := &Engine{
		cfg:           cfg,
		store:         deps.Store,
		profiles:      deps.Profiles,
		prefs:         deps.Prefs,
		perms:         deps.Perms,
		metrics:       deps.Metrics,
		clock:         deps.Clock,
		sort:          schema.SortAsc,
		includeParent: cfg.Resolver.IncludeParent,
	}

	e.cache = aggregate.NewCache(cfg.Cache, deps.Clock)
	e.agg = aggregate.New(deps.Store, e.cache, deps.Clock, deps.Metrics, e.activeContext)

	mut, err := mutate.NewEngine(deps.Store, cfg.Mutation, deps.Metrics)
	if err != nil {
		e.cache.Close()
		return nil, fmt.Errorf("create mutation engine: %w", err)
	}
	e.mut = mut
	e.hist = history.New(cfg.History.Depth, mut, deps.Clock)
	e.drift = profile.NewDriftDetector(deps.Profiles, cfg.Drift, deps.Clock)
	e.sched = scheduler.New(cfg.Scheduler, e.fetchPass, e.renderPass, deps.Metrics)
	e.class = classifier.New(cfg.Classifier, deps.Clock, e.onStoreChange, deps.Metrics)

	return e, nil
}

// Start loads persisted preferences and begins consuming store change
// notifications.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	loaded, err := e.prefs.Load(ctx)
	if err != nil {
		observability.Log().Error("load preferences",
			observability.Field{Key: "error", Value: err.Error()})
	} else {
		e.mu.Lock()
		e.sort = schema.SortDirection(loaded.Sort)
		if e.sort != schema.SortAsc && e.sort != schema.SortDesc {
			e.sort = schema.SortAsc
		}
		e.includeParent = loaded.IncludeParent
		e.mu.Unlock()
	}

	e.runCtx, e.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	changes, cancel := e.store.Subscribe(64)
	e.changeCancel = cancel
	e.loops.Go(func() {
		e.class.Run(e.runCtx, changes)
	})
	return nil
}

// Close stops the background machinery. Safe to call once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	if e.changeCancel != nil {
		e.changeCancel()
	}
	if e.runCancel != nil {
		e.runCancel()
	}
	e.loops.Wait()
	e.sched.Close()
	e.cache.Close()
	e.mut.Close()
}

func (e *Engine) activeContext() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.contextURL
}

func (e *Engine) viewOptions() (string, aggregate.Options) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.contextURL, aggregate.Options{
		Sort:          e.sort,
		IncludeParent: e.includeParent,
	}
}

// SetContext switches the active context. The classifier's observed set
// follows the switch and a refresh is scheduled immediately.
func (e *Engine) SetContext(ctx context.Context, rawURL string) error {
	resolution, err := domains.Resolve(rawURL, domains.Options{IncludeParent: e.IncludeParent()})
	if err != nil {
		return err
	}

	e.mu.Lock()
	previous := e.contextURL
	e.contextURL = rawURL
	e.view = schema.NewSet(nil)
	e.staged = schema.NewSet(nil)
	e.mu.Unlock()

	e.class.SetObserved(resolution.Variants)
	if previous != "" && previous != rawURL {
		e.cache.Invalidate(previous)
	}
	e.sched.Trigger("context-switch")
	return nil
}

// Context returns the active context URL.
func (e *Engine) Context() string {
	return e.activeContext()
}

// Refresh performs a synchronous aggregation pass, serving from cache when
// the entry is still fresh, and publishes the result as the current view.
func (e *Engine) Refresh(ctx context.Context) (schema.Set, error) {
	return e.refresh(ctx, false)
}

// ForceRefresh bypasses and invalidates the cache entry before refetching.
func (e *Engine) ForceRefresh(ctx context.Context) (schema.Set, error) {
	return e.refresh(ctx, true)
}

func (e *Engine) refresh(ctx context.Context, bypass bool) (schema.Set, error) {
	contextURL, opts := e.viewOptions()
	if contextURL == "" {
		return schema.NewSet(nil), nil
	}
	if err := e.checkPermission(ctx, contextURL); err != nil {
		return schema.Set{}, err
	}
	opts.Bypass = bypass

	set, err := e.agg.Aggregate(ctx, contextURL, opts)
	if err != nil {
		return schema.Set{}, err
	}
	if e.activeContext() != contextURL {
		return schema.Set{}, errs.StaleContext("engine", contextURL)
	}

	e.mu.Lock()
	e.view = set
	e.mu.Unlock()

	e.checkDrift(ctx, contextURL, set)
	return set, nil
}

// View returns the last published cookie view.
func (e *Engine) View() schema.Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view.Clone()
}

// ExportView hands out the current aggregated records for an external codec.
func (e *Engine) ExportView(ctx context.Context) ([]schema.Cookie, error) {
	set, err := e.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return set.Cookies(), nil
}

// SaveCookie creates or edits one cookie through the safe mutation path and
// records the operation for undo.
func (e *Engine) SaveCookie(ctx context.Context, req mutate.SaveRequest) error {
	if err := e.checkPermission(ctx, req.Cookie.Domain); err != nil {
		return err
	}
	contextURL := e.activeContext()

	if err := e.mut.Save(ctx, req); err != nil {
		return err
	}

	op := history.Operation{Kind: history.KindCreate, After: []schema.Cookie{req.Cookie}, ContextURL: contextURL}
	if req.Previous != nil {
		op.Kind = history.KindEdit
		op.Before = []schema.Cookie{*req.Previous}
	}
	if err := e.hist.Record(op); err != nil {
		observability.Log().Error("record save operation",
			observability.Field{Key: "error", Value: err.Error()})
	}

	e.afterMutation(contextURL, "save")
	return nil
}

// DeleteCookie removes exactly one cookie, preserving same-name siblings.
func (e *Engine) DeleteCookie(ctx context.Context, target schema.Cookie) error {
	if err := e.checkPermission(ctx, target.Domain); err != nil {
		return err
	}
	contextURL := e.activeContext()

	if err := e.mut.Delete(ctx, target); err != nil {
		return err
	}
	if err := e.hist.Record(history.Operation{
		Kind:       history.KindDelete,
		Before:     []schema.Cookie{target.Clone()},
		ContextURL: contextURL,
	}); err != nil {
		observability.Log().Error("record delete operation",
			observability.Field{Key: "error", Value: err.Error()})
	}

	e.afterMutation(contextURL, "delete")
	return nil
}

// DeleteAll removes every cookie in the current view as one bulk operation.
func (e *Engine) DeleteAll(ctx context.Context) error {
	contextURL, opts := e.viewOptions()
	if contextURL == "" {
		return nil
	}
	if err := e.checkPermission(ctx, contextURL); err != nil {
		return err
	}

	opts.Bypass = true
	set, err := e.agg.Aggregate(ctx, contextURL, opts)
	if err != nil {
		return err
	}
	targets := set.Cookies()
	if len(targets) == 0 {
		return nil
	}

	if err := e.mut.DeleteBulk(ctx, targets); err != nil {
		return err
	}
	if err := e.hist.Record(history.Operation{
		Kind:       history.KindDeleteAll,
		Before:     targets,
		ContextURL: contextURL,
	}); err != nil {
		observability.Log().Error("record delete-all operation",
			observability.Field{Key: "error", Value: err.Error()})
	}

	e.afterMutation(contextURL, "delete-all")
	return nil
}

// ImportCookies writes a batch of pre-decoded records and records one bulk
// history operation. The import aborts on the first store rejection.
func (e *Engine) ImportCookies(ctx context.Context, cookies []schema.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	for _, c := range cookies {
		if err := e.checkPermission(ctx, c.Domain); err != nil {
			return err
		}
	}
	contextURL := e.activeContext()

	// Records already present under an imported key become the operation's
	// before-snapshot so undo restores them.
	current := e.View()
	var before []schema.Cookie
	for _, c := range cookies {
		if existing, ok := current.Lookup(c.Key()); ok {
			before = append(before, existing)
		}
	}

	if err := e.mut.ImportCookies(ctx, cookies); err != nil {
		return err
	}
	if err := e.hist.Record(history.Operation{
		Kind:       history.KindImport,
		Before:     before,
		After:      cookies,
		ContextURL: contextURL,
	}); err != nil {
		observability.Log().Error("record import operation",
			observability.Field{Key: "error", Value: err.Error()})
	}

	e.afterMutation(contextURL, "import")
	return nil
}

// Undo reverts the newest recorded operation. ok is false when the stack is
// empty.
func (e *Engine) Undo(ctx context.Context) (ok bool, err error) {
	op, ok, err := e.hist.Undo(ctx)
	if err != nil || !ok {
		return ok, err
	}
	e.afterMutation(op.ContextURL, "undo")
	return true, nil
}

// Redo re-applies the newest undone operation.
func (e *Engine) Redo(ctx context.Context) (ok bool, err error) {
	op, ok, err := e.hist.Redo(ctx)
	if err != nil || !ok {
		return ok, err
	}
	e.afterMutation(op.ContextURL, "redo")
	return true, nil
}

// CanUndo reports whether the undo stack is non-empty.
func (e *Engine) CanUndo() bool { return e.hist.CanUndo() }

// CanRedo reports whether the redo stack is non-empty.
func (e *Engine) CanRedo() bool { return e.hist.CanRedo() }

// SaveProfile snapshots the live cookie set for the current context's
// canonical domain under the given name, overwriting an existing snapshot.
func (e *Engine) SaveProfile(ctx context.Context, name string) error {
	contextURL, opts := e.viewOptions()
	canonical, err := e.canonicalDomain(contextURL)
	if err != nil {
		return err
	}
	if err := e.checkPermission(ctx, canonical); err != nil {
		return err
	}

	opts.Bypass = true
	set, err := e.agg.Aggregate(ctx, contextURL, opts)
	if err != nil {
		return err
	}

	return e.profiles.SaveProfile(ctx, profile.Snapshot{
		Domain:  canonical,
		Name:    name,
		Cookies: set.Cookies(),
		SavedAt: e.clock(),
	})
}

// LoadProfile replaces the live cookie set with the named snapshot. The
// replacement flows through the safe mutation engine and is recorded as one
// history operation.
func (e *Engine) LoadProfile(ctx context.Context, name string) error {
	contextURL, opts := e.viewOptions()
	canonical, err := e.canonicalDomain(contextURL)
	if err != nil {
		return err
	}
	if err := e.checkPermission(ctx, canonical); err != nil {
		return err
	}

	snap, err := e.profiles.GetProfile(ctx, canonical, name)
	if err != nil {
		return err
	}

	opts.Bypass = true
	live, err := e.agg.Aggregate(ctx, contextURL, opts)
	if err != nil {
		return err
	}
	before := live.Cookies()

	keep := make(map[schema.Key]struct{}, len(snap.Cookies))
	for _, c := range snap.Cookies {
		keep[c.Key()] = struct{}{}
	}
	var remove []schema.Cookie
	for _, c := range before {
		if _, ok := keep[c.Key()]; !ok {
			remove = append(remove, c)
		}
	}
	if len(remove) > 0 {
		if err := e.mut.DeleteBulk(ctx, remove); err != nil {
			return fmt.Errorf("clear records outside profile: %w", err)
		}
	}
	for _, c := range snap.Cookies {
		if err := e.mut.Save(ctx, mutate.SaveRequest{Cookie: c}); err != nil {
			return fmt.Errorf("apply profile record %s: %w", c.Key().String(), err)
		}
	}

	if err := e.drift.MarkLoaded(ctx, canonical, name); err != nil {
		observability.Log().Error("mark profile loaded",
			observability.Field{Key: "error", Value: err.Error()})
	}
	if err := e.hist.Record(history.Operation{
		Kind:       history.KindLoadProfile,
		Before:     before,
		After:      snap.Cookies,
		ContextURL: contextURL,
	}); err != nil {
		observability.Log().Error("record load-profile operation",
			observability.Field{Key: "error", Value: err.Error()})
	}

	e.afterMutation(contextURL, "load-profile")
	return nil
}

// DeleteProfile removes a named snapshot for the current context's domain.
func (e *Engine) DeleteProfile(ctx context.Context, name string) error {
	canonical, err := e.canonicalDomain(e.activeContext())
	if err != nil {
		return err
	}
	return e.profiles.DeleteProfile(ctx, canonical, name)
}

// RenameProfile renames a snapshot for the current context's domain.
func (e *Engine) RenameProfile(ctx context.Context, oldName, newName string) error {
	canonical, err := e.canonicalDomain(e.activeContext())
	if err != nil {
		return err
	}
	return e.profiles.RenameProfile(ctx, canonical, oldName, newName)
}

// ListProfiles names the snapshots saved for the current context's domain.
func (e *Engine) ListProfiles(ctx context.Context) ([]string, error) {
	canonical, err := e.canonicalDomain(e.activeContext())
	if err != nil {
		return nil, err
	}
	return e.profiles.ListProfiles(ctx, canonical)
}

// ProfileModified reports whether the live set has drifted from the profile
// last loaded for the current domain.
func (e *Engine) ProfileModified(ctx context.Context) (bool, error) {
	canonical, err := e.canonicalDomain(e.activeContext())
	if err != nil {
		return false, err
	}
	meta, err := e.profiles.GetMetadata(ctx, canonical)
	if err != nil {
		return false, err
	}
	return meta.ModifiedSinceLoad, nil
}

// SetSortDirection reorders the view and persists the preference.
func (e *Engine) SetSortDirection(ctx context.Context, direction schema.SortDirection) error {
	if direction != schema.SortAsc && direction != schema.SortDesc {
		return errs.New("engine", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown sort direction %q", direction)))
	}
	e.mu.Lock()
	e.sort = direction
	e.view = e.view.Sort(direction)
	includeParent := e.includeParent
	e.mu.Unlock()

	return e.persistPrefs(ctx, direction, includeParent)
}

// SetIncludeParent toggles parent-domain aggregation, persists the
// preference, and schedules a refetch since the variant list changed.
func (e *Engine) SetIncludeParent(ctx context.Context, include bool) error {
	e.mu.Lock()
	e.includeParent = include
	sort := e.sort
	contextURL := e.contextURL
	e.mu.Unlock()

	if contextURL != "" {
		if resolution, err := domains.Resolve(contextURL, domains.Options{IncludeParent: include}); err == nil {
			e.class.SetObserved(resolution.Variants)
		}
		e.cache.Invalidate(contextURL)
		e.sched.Trigger("include-parent")
	}
	return e.persistPrefs(ctx, sort, include)
}

// SortDirection returns the active sort direction.
func (e *Engine) SortDirection() schema.SortDirection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sort
}

// IncludeParent returns the active parent-domain toggle.
func (e *Engine) IncludeParent() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.includeParent
}

// SetEditOpen forwards the edit-form suppression flag to the scheduler.
func (e *Engine) SetEditOpen(open bool) { e.sched.SetEditOpen(open) }

// SetRowExpanded forwards the expanded-row suppression flag.
func (e *Engine) SetRowExpanded(expanded bool) { e.sched.SetRowExpanded(expanded) }

// SetTransitionActive forwards the presentation-transition suppression flag.
func (e *Engine) SetTransitionActive(active bool) { e.sched.SetTransitionActive(active) }

// SchedulerState exposes the refresh state machine's current state.
func (e *Engine) SchedulerState() scheduler.State { return e.sched.State() }

// onStoreChange is the classifier sink: a change that survived dynamic
// suppression and rate limiting invalidates the context entry and schedules
// a refresh.
func (e *Engine) onStoreChange(schema.Change) {
	contextURL := e.activeContext()
	if contextURL == "" {
		return
	}
	e.cache.Invalidate(contextURL)
	e.sched.Trigger("store-change")
}

// afterMutation applies the invalidate-before-schedule ordering shared by
// every mutation path. A context switch that landed mid-operation drops the
// scheduling half; the new context owns the scheduler now.
func (e *Engine) afterMutation(contextURL, reason string) {
	if contextURL == "" {
		return
	}
	e.cache.Invalidate(contextURL)
	if e.activeContext() != contextURL {
		observability.Log().Debug("mutation outlived its context",
			observability.Field{Key: "context", Value: contextURL},
			observability.Field{Key: "reason", Value: reason})
		return
	}
	e.sched.Trigger(reason)
}

func (e *Engine) persistPrefs(ctx context.Context, sort schema.SortDirection, includeParent bool) error {
	if err := e.prefs.Save(ctx, prefs.Prefs{
		Sort:          prefs.SortDirection(sort),
		IncludeParent: includeParent,
	}); err != nil {
		return fmt.Errorf("persist preferences: %w", err)
	}
	return nil
}

func (e *Engine) checkPermission(ctx context.Context, origin string) error {
	ok, err := e.perms.Has(ctx, origin)
	if err != nil {
		return errs.New("engine", errs.CodePermission,
			errs.WithMessage("permission check failed"),
			errs.WithField("origin", origin),
			errs.WithCause(err))
	}
	if ok {
		return nil
	}
	granted, err := e.perms.Request(ctx, origin)
	if err != nil {
		return errs.New("engine", errs.CodePermission,
			errs.WithMessage("permission request failed"),
			errs.WithField("origin", origin),
			errs.WithCause(err))
	}
	if !granted {
		return permission.Denied("engine", origin)
	}
	return nil
}

func (e *Engine) canonicalDomain(contextURL string) (string, error) {
	if contextURL == "" {
		return "", errs.New("engine", errs.CodeInvalid, errs.WithMessage("no active context"))
	}
	resolution, err := domains.Resolve(contextURL, domains.Options{})
	if err != nil {
		return "", err
	}
	if resolution.Empty() {
		return "", errs.New("engine", errs.CodeInvalid,
			errs.WithMessage("context has no queryable domain"),
			errs.WithField("context", contextURL))
	}
	return resolution.Canonical, nil
}

func (e *Engine) checkDrift(ctx context.Context, contextURL string, set schema.Set) {
	canonical, err := e.canonicalDomain(contextURL)
	if err != nil {
		return
	}
	if _, _, err := e.drift.Check(ctx, canonical, set); err != nil {
		observability.Log().Debug("drift check",
			observability.Field{Key: "domain", Value: canonical},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// fetchPass is the scheduler's fetch phase: aggregate the active context and
// stage the result for rendering. Reads are gated on the permission layer the
// same as mutations.
func (e *Engine) fetchPass(ctx context.Context) error {
	contextURL, opts := e.viewOptions()
	if contextURL == "" {
		return nil
	}
	if err := e.checkPermission(ctx, contextURL); err != nil {
		return err
	}
	set, err := e.agg.Aggregate(ctx, contextURL, opts)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.staged = set
	e.mu.Unlock()
	return nil
}

// renderPass publishes the staged set as the current view. A context switch
// between fetch and render already failed the fetch with a stale-context
// error, so whatever is staged here belongs to the active context.
func (e *Engine) renderPass(ctx context.Context) error {
	e.mu.Lock()
	contextURL := e.contextURL
	set := e.staged
	e.view = set
	e.mu.Unlock()

	e.checkDrift(ctx, contextURL, set)
	return nil
}
