// Package profile stores named cookie snapshots per domain and detects
// drift between a loaded snapshot and the live set.
package profile

import (
	"context"
	"time"

	"github.com/crumbgate/crumbgate/internal/schema"
)

// Snapshot is a named, ordered cookie list saved for a domain.
type Snapshot struct {
	Domain  string
	Name    string
	Cookies []schema.Cookie
	SavedAt time.Time
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Cookies = make([]schema.Cookie, len(s.Cookies))
	copy(out.Cookies, s.Cookies)
	return out
}

// Metadata is the per-domain profile bookkeeping.
type Metadata struct {
	LastLoadedName    string
	ModifiedSinceLoad bool
}

// Store persists profile snapshots and per-domain metadata. The layout it
// owns: one map keyed by domain → map keyed by profile name → cookie list,
// plus the per-domain metadata.
type Store interface {
	SaveProfile(ctx context.Context, snapshot Snapshot) error
	GetProfile(ctx context.Context, domain, name string) (Snapshot, error)
	ListProfiles(ctx context.Context, domain string) ([]string, error)
	RenameProfile(ctx context.Context, domain, oldName, newName string) error
	DeleteProfile(ctx context.Context, domain, name string) error
	GetMetadata(ctx context.Context, domain string) (Metadata, error)
	SetMetadata(ctx context.Context, domain string, meta Metadata) error
}
