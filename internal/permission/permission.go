// Package permission gates cookie access per origin. Mutations against an
// origin outside the granted set fail fast instead of reaching the store.
package permission

import (
	"context"
	"strings"
	"sync"

	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/schema"
)

// Checker answers whether cookie access is granted for an origin and can
// request a new grant.
type Checker interface {
	Has(ctx context.Context, origin string) (bool, error)
	Request(ctx context.Context, origin string) (bool, error)
}

// StaticChecker grants access from a fixed allowlist plus any grants
// acquired through Request at runtime. An empty allowlist with AllowAll set
// grants everything, which is the default for local operation.
type StaticChecker struct {
	mu       sync.RWMutex
	allowAll bool
	granted  map[string]struct{}
}

// NewStaticChecker builds a checker over the given origins. With no origins
// the checker grants all access.
func NewStaticChecker(origins ...string) *StaticChecker {
	c := &StaticChecker{granted: make(map[string]struct{}, len(origins))}
	if len(origins) == 0 {
		c.allowAll = true
		return c
	}
	for _, origin := range origins {
		c.granted[normalizeOrigin(origin)] = struct{}{}
	}
	return c
}

func (c *StaticChecker) Has(_ context.Context, origin string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.allowAll {
		return true, nil
	}
	_, ok := c.granted[normalizeOrigin(origin)]
	return ok, nil
}

// Request records a grant for the origin. The static checker always
// approves; interactive frontends substitute their own Checker.
func (c *StaticChecker) Request(_ context.Context, origin string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted[normalizeOrigin(origin)] = struct{}{}
	return true, nil
}

// Denied builds the error surfaced when access to an origin is missing.
func Denied(component, origin string) error {
	return errs.New(component, errs.CodePermission,
		errs.WithMessage("cookie access not granted for origin"),
		errs.WithField("origin", origin))
}

func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(strings.ToLower(origin))
	origin = strings.TrimPrefix(origin, "https://")
	origin = strings.TrimPrefix(origin, "http://")
	if idx := strings.IndexByte(origin, '/'); idx >= 0 {
		origin = origin[:idx]
	}
	return schema.NormalizeDomain(origin)
}
