package profile

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/crumbgate/crumbgate/config"
	"github.com/crumbgate/crumbgate/internal/observability"
	"github.com/crumbgate/crumbgate/internal/schema"
)

// DriftDetector compares the live cookie set for a domain against the
// snapshot that was last loaded there, and records the result in the
// domain's metadata. Value edits count as drift; attribute-only edits
// (expiry, flags) do not.
type DriftDetector struct {
	store   Store
	clock   func() time.Time
	limiter *rate.Limiter
}

func NewDriftDetector(store Store, cfg config.DriftConfig, clock func() time.Time) *DriftDetector {
	if clock == nil {
		clock = time.Now
	}
	return &DriftDetector{
		store:   store,
		clock:   clock,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
	}
}

// Check evaluates drift for domain given the live set. It returns the
// modified flag and whether a comparison actually ran; calls inside the
// minimum interval are skipped and report the stored flag unchanged.
func (d *DriftDetector) Check(ctx context.Context, domain string, live schema.Set) (modified, checked bool, err error) {
	meta, err := d.store.GetMetadata(ctx, domain)
	if err != nil {
		return false, false, err
	}
	if meta.LastLoadedName == "" {
		return false, false, nil
	}
	if !d.limiter.AllowN(d.clock(), 1) {
		return meta.ModifiedSinceLoad, false, nil
	}
	snap, err := d.store.GetProfile(ctx, domain, meta.LastLoadedName)
	if err != nil {
		// The loaded profile was deleted out from under the metadata.
		return meta.ModifiedSinceLoad, false, err
	}
	loaded := schema.NewSet(snap.Cookies)
	modified = !live.EqualContent(loaded)
	if modified != meta.ModifiedSinceLoad {
		meta.ModifiedSinceLoad = modified
		if err := d.store.SetMetadata(ctx, domain, meta); err != nil {
			return modified, true, err
		}
		observability.Log().Debug("profile drift flag updated",
			observability.Field{Key: "domain", Value: domain},
			observability.Field{Key: "modified", Value: modified})
	}
	return modified, true, nil
}

// MarkLoaded records that a profile was just applied to the domain and
// resets the drift flag.
func (d *DriftDetector) MarkLoaded(ctx context.Context, domain, name string) error {
	return d.store.SetMetadata(ctx, domain, Metadata{LastLoadedName: name})
}
