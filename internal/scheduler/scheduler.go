// Package scheduler coalesces refresh triggers into serialized, debounced
// fetch/render passes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/internal/observability"
	"github.com/crumbgate/crumbgate/internal/telemetry"
)

// State names a position in the refresh lifecycle.
type State int

const (
	// Idle means no refresh is pending or running.
	Idle State = iota
	// PendingDebounce means a trigger arrived and the debounce timer is armed.
	PendingDebounce
	// Fetching means aggregation is in flight.
	Fetching
	// Rendering means the result is being handed to the presentation layer.
	Rendering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PendingDebounce:
		return "pending_debounce"
	case Fetching:
		return "fetching"
	case Rendering:
		return "rendering"
	default:
		return "unknown"
	}
}

// Scheduler owns the refresh state machine. It replaces the ambient
// isAnimating/disableButtons globals of older designs with one explicit,
// queryable object: every flag lives here and is guarded by one mutex.
type Scheduler struct {
	cfg     config.SchedulerConfig
	fetch   func(context.Context) error
	render  func(context.Context) error
	metrics *telemetry.Metrics

	mu               sync.Mutex
	state            State
	timer            *time.Timer
	pending          bool
	editOpen         bool
	rowExpanded      bool
	transitionActive bool
	closed           bool
}

// New constructs a scheduler. fetch runs the aggregation pass; render hands
// its outcome to the presentation layer. Both run serially, never
// concurrently with themselves or each other.
func New(cfg config.SchedulerConfig, fetch, render func(context.Context) error, metrics *telemetry.Metrics) *Scheduler {
	s := new(Scheduler)
	s.cfg = cfg
	s.fetch = fetch
	s.render = render
	s.metrics = metrics
	s.state = Idle
	return s
}

// State reports the current machine state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetEditOpen marks a create/import form open or closed. While open, all
// refresh triggers are suppressed outright — a refresh would clobber the
// in-progress edit. Closing the form fires a trigger to catch up.
func (s *Scheduler) SetEditOpen(open bool) {
	s.mu.Lock()
	was := s.editOpen
	s.editOpen = open
	s.mu.Unlock()
	if was && !open {
		s.Trigger("edit_closed")
	}
}

// SetRowExpanded marks a list item expanded for inline editing.
func (s *Scheduler) SetRowExpanded(expanded bool) {
	s.mu.Lock()
	was := s.rowExpanded
	s.rowExpanded = expanded
	s.mu.Unlock()
	if was && !expanded {
		s.Trigger("row_collapsed")
	}
}

// SetTransitionActive marks a presentation-layer render transition in
// flight. Triggers arriving while one is active are suppressed entirely,
// not deferred, to avoid visual tearing.
func (s *Scheduler) SetTransitionActive(active bool) {
	s.mu.Lock()
	s.transitionActive = active
	s.mu.Unlock()
}

// Trigger requests a refresh. Triggers in Idle arm the debounce; triggers
// during the debounce reset it (coalescing); triggers during Fetching or
// Rendering set a single deferred slot, not a queue; triggers while
// suppressed are dropped entirely.
func (s *Scheduler) Trigger(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.suppressedLocked() {
		observability.Log().Debug("refresh trigger suppressed",
			observability.Field{Key: "reason", Value: reason},
			observability.Field{Key: "state", Value: s.state.String()})
		return
	}
	switch s.state {
	case Idle:
		s.state = PendingDebounce
		s.timer = time.AfterFunc(s.cfg.Debounce, s.fire)
	case PendingDebounce:
		s.timer.Reset(s.cfg.Debounce)
	case Fetching, Rendering:
		s.pending = true
	}
}

// Close cancels any armed debounce and rejects further triggers.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Scheduler) suppressedLocked() bool {
	return s.editOpen || s.rowExpanded || s.transitionActive
}

// fire runs when the debounce expires. Suppression is re-checked here and
// again before the render phase: a form opened after Trigger accepted the
// request still wins, and the pass is dropped rather than deferred.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.closed || s.state != PendingDebounce {
		s.mu.Unlock()
		return
	}
	if s.suppressedLocked() {
		s.state = Idle
		s.pending = false
		s.mu.Unlock()
		observability.Log().Debug("debounced refresh dropped while suppressed")
		return
	}
	s.state = Fetching
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SafetyTimer)
	defer cancel()

	if s.runGuarded(ctx, "fetch", s.fetch) {
		s.mu.Lock()
		if s.suppressedLocked() {
			// Suppression raised mid-fetch. Rendering now would clobber the
			// open edit, so the fetched result is discarded.
			s.mu.Unlock()
			observability.Log().Debug("fetched refresh dropped while suppressed")
		} else {
			s.state = Rendering
			s.mu.Unlock()
			if s.runGuarded(ctx, "render", s.render) {
				s.metrics.RecordRefreshPass(ctx)
			}
		}
	}

	s.mu.Lock()
	s.state = Idle
	rearm := s.pending && !s.closed && !s.suppressedLocked()
	s.pending = false
	if rearm {
		s.state = PendingDebounce
		s.timer = time.AfterFunc(s.cfg.Debounce, s.fire)
	}
	s.mu.Unlock()
}

// runGuarded executes fn under the safety timer so a continuation that never
// resolves cannot leave the machine stuck outside Idle forever.
func (s *Scheduler) runGuarded(ctx context.Context, phase string, fn func(context.Context) error) bool {
	if fn == nil {
		return true
	}
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			observability.Log().Error("refresh phase failed",
				observability.Field{Key: "phase", Value: phase},
				observability.Field{Key: "error", Value: err.Error()})
			return false
		}
		return true
	case <-ctx.Done():
		observability.Log().Error("refresh phase timed out",
			observability.Field{Key: "phase", Value: phase})
		return false
	}
}
