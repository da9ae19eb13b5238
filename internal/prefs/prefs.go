// Package prefs persists the small set of view preferences that survive
// restarts: sort direction and the parent-domain toggle.
package prefs

import (
	"context"
	"sync"
)

// SortDirection orders an aggregated cookie view.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Valid reports whether the direction is one of the two known values.
func (d SortDirection) Valid() bool {
	return d == SortAsc || d == SortDesc
}

// Prefs holds the persisted option values.
type Prefs struct {
	Sort          SortDirection
	IncludeParent bool
}

// Default returns the out-of-the-box preference set.
func Default() Prefs {
	return Prefs{Sort: SortAsc, IncludeParent: false}
}

// Store loads and saves the preference set.
type Store interface {
	Load(ctx context.Context) (Prefs, error)
	Save(ctx context.Context, p Prefs) error
}

// MemoryStore keeps preferences in-process.
type MemoryStore struct {
	mu    sync.RWMutex
	prefs Prefs
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prefs: Default()}
}

func (m *MemoryStore) Load(context.Context) (Prefs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs, nil
}

func (m *MemoryStore) Save(_ context.Context, p Prefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs = p
	return nil
}
