// Package history records mutations as invertible operations and replays
// them for undo/redo.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/mutate"
	"github.com/crumbgate/crumbgate/internal/schema"
)

// Kind tags the user-visible mutation an Operation captured.
type Kind string

const (
	// KindCreate is a single-cookie creation.
	KindCreate Kind = "create"
	// KindEdit is a single-cookie edit (possibly moving its identity).
	KindEdit Kind = "edit"
	// KindDelete is a single-cookie deletion.
	KindDelete Kind = "delete"
	// KindDeleteAll removes the whole view.
	KindDeleteAll Kind = "deleteAll"
	// KindImport writes a decoded batch.
	KindImport Kind = "importCookies"
	// KindLoadProfile replaces the view with a named snapshot.
	KindLoadProfile Kind = "loadProfile"
)

// Operation is one recorded mutation: a before-snapshot, an after-snapshot,
// the context it applied to, and a timestamp. Immutable once recorded.
type Operation struct {
	ID         uuid.UUID
	Kind       Kind
	Before     []schema.Cookie
	After      []schema.Cookie
	ContextURL string
	At         time.Time
}

// Validate enforces the per-kind snapshot rules.
func (op Operation) Validate() error {
	switch op.Kind {
	case KindCreate:
		if op.Before != nil {
			return errs.New("history", errs.CodeInvalid, errs.WithMessage("create carries no before-snapshot"))
		}
		if len(op.After) == 0 {
			return errs.New("history", errs.CodeInvalid, errs.WithMessage("create requires an after-snapshot"))
		}
	case KindDelete:
		if op.After != nil {
			return errs.New("history", errs.CodeInvalid, errs.WithMessage("delete carries no after-snapshot"))
		}
		if len(op.Before) == 0 {
			return errs.New("history", errs.CodeInvalid, errs.WithMessage("delete requires a before-snapshot"))
		}
	case KindEdit:
		if len(op.Before) == 0 || len(op.After) == 0 {
			return errs.New("history", errs.CodeInvalid, errs.WithMessage("edit requires both snapshots"))
		}
	case KindDeleteAll, KindImport, KindLoadProfile:
		// Bulk kinds: either side may be empty, both are lists.
	default:
		return errs.New("history", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown operation kind %q", op.Kind)))
	}
	return nil
}

// Applier replays snapshots against the store. *mutate.Engine satisfies it;
// replays flow through the same safe-mutation paths as user actions.
type Applier interface {
	Save(ctx context.Context, req mutate.SaveRequest) error
	Delete(ctx context.Context, target schema.Cookie) error
	DeleteBulk(ctx context.Context, targets []schema.Cookie) error
}

// History holds the undo and redo stacks. Depth is bounded; eviction is
// FIFO from the oldest end of the undo stack.
type History struct {
	mu      sync.Mutex
	depth   int
	undo    []Operation
	redo    []Operation
	applier Applier
	clock   func() time.Time
}

// New constructs a history with the given depth bound.
func New(depth int, applier Applier, clock func() time.Time) *History {
	if clock == nil {
		clock = time.Now
	}
	if depth < 1 {
		depth = 1
	}
	h := new(History)
	h.depth = depth
	h.applier = applier
	h.clock = clock
	return h
}

// Record pushes a new operation onto the undo stack and clears the redo
// stack: a new action invalidates the redo branch.
func (h *History) Record(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.At.IsZero() {
		op.At = h.clock()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo = append(h.undo, op)
	if len(h.undo) > h.depth {
		h.undo = h.undo[len(h.undo)-h.depth:]
	}
	h.redo = nil
	return nil
}

// CanUndo reports whether an operation is available to undo.
func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo) > 0
}

// CanRedo reports whether an operation is available to redo.
func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.redo) > 0
}

// Depths reports the undo and redo stack sizes.
func (h *History) Depths() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo), len(h.redo)
}

// Undo pops the newest operation, applies its inverse, and moves it onto
// the redo stack. With an empty stack it is a no-op and reports ok=false.
func (h *History) Undo(ctx context.Context) (Operation, bool, error) {
	h.mu.Lock()
	if len(h.undo) == 0 {
		h.mu.Unlock()
		return Operation{}, false, nil
	}
	op := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.mu.Unlock()

	if err := h.applySnapshot(ctx, op.After, op.Before); err != nil {
		h.mu.Lock()
		h.undo = append(h.undo, op)
		h.mu.Unlock()
		return Operation{}, false, fmt.Errorf("undo %s: %w", op.Kind, err)
	}

	h.mu.Lock()
	h.redo = append(h.redo, op)
	h.mu.Unlock()
	return op, true, nil
}

// Redo pops the newest undone operation, re-applies its after-snapshot, and
// pushes it back onto the undo stack.
func (h *History) Redo(ctx context.Context) (Operation, bool, error) {
	h.mu.Lock()
	if len(h.redo) == 0 {
		h.mu.Unlock()
		return Operation{}, false, nil
	}
	op := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.mu.Unlock()

	if err := h.applySnapshot(ctx, op.Before, op.After); err != nil {
		h.mu.Lock()
		h.redo = append(h.redo, op)
		h.mu.Unlock()
		return Operation{}, false, fmt.Errorf("redo %s: %w", op.Kind, err)
	}

	h.mu.Lock()
	h.undo = append(h.undo, op)
	h.mu.Unlock()
	return op, true, nil
}

// applySnapshot transitions the store from one snapshot to the other:
// records present only in the outgoing side are deleted, then each changed
// record of the incoming side is written. Change detection uses the full
// record fingerprint, not the composite key, so value and attribute edits
// replay while records identical on both sides are left untouched. Identity
// moves fall out naturally — the outgoing record's key is gone before the
// incoming one is saved.
func (h *History) applySnapshot(ctx context.Context, outgoing, incoming []schema.Cookie) error {
	keep := make(map[schema.Key]struct{}, len(incoming))
	for _, c := range incoming {
		keep[c.Key()] = struct{}{}
	}
	prints := make(map[schema.Key]string, len(outgoing))
	var remove []schema.Cookie
	for _, c := range outgoing {
		if _, ok := keep[c.Key()]; !ok {
			remove = append(remove, c)
			continue
		}
		prints[c.Key()] = c.Fingerprint()
	}

	switch len(remove) {
	case 0:
	case 1:
		if err := h.applier.Delete(ctx, remove[0]); err != nil {
			return err
		}
	default:
		if err := h.applier.DeleteBulk(ctx, remove); err != nil {
			return err
		}
	}

	for _, c := range incoming {
		if fp, ok := prints[c.Key()]; ok && fp == c.Fingerprint() {
			continue
		}
		if err := h.applier.Save(ctx, mutate.SaveRequest{Cookie: c}); err != nil {
			return err
		}
	}
	return nil
}
