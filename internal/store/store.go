// Package store defines the external cookie-store contract the engine mediates.
package store

import (
	"context"

	"github.com/crumbgate/crumbgate/internal/schema"
)

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	Domain  string
	Name    string
	StoreID string
}

// Store is the external, authoritative cookie store. The engine does not own
// it and cannot lock it; other parties mutate it concurrently.
//
// DeleteByURL is deliberately coarse, mirroring the primitive the engine must
// compensate for: it removes every cookie with the given name whose path lies
// anywhere along the URL's path hierarchy, not only the exact path the caller
// intended. Callers needing precise single-cookie deletion must go through
// the mutation engine's sibling-preserving delete.
type Store interface {
	List(ctx context.Context, filter Filter) ([]schema.Cookie, error)
	Set(ctx context.Context, cookie schema.Cookie) error
	DeleteByURL(ctx context.Context, name, rawURL, storeID string) error
	// Subscribe registers a change listener. The returned cancel func must be
	// called to release it. Notifications are best-effort: a slow consumer
	// may miss events, which downstream reconciliation tolerates.
	Subscribe(buffer int) (<-chan schema.Change, func())
}
