package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/schema"
)

// Memory is an in-memory Store used for tests and offline operation. It
// reproduces the external store's semantics faithfully, including the coarse
// path-hierarchy matching of DeleteByURL.
type Memory struct {
	mu          sync.RWMutex
	cookies     map[memKey]schema.Cookie
	subscribers map[int]chan schema.Change
	nextSub     int

	// SetHook and DeleteHook, when non-nil, run before the mutation and may
	// veto it by returning an error. Tests use them to inject failures.
	SetHook    func(schema.Cookie) error
	DeleteHook func(name, rawURL string) error
}

type memKey struct {
	key     schema.Key
	storeID string
}

// NewMemory creates an empty in-memory cookie store.
func NewMemory() *Memory {
	m := new(Memory)
	m.cookies = make(map[memKey]schema.Cookie)
	m.subscribers = make(map[int]chan schema.Change)
	return m
}

// Seed inserts cookies without emitting change notifications.
func (m *Memory) Seed(cookies ...schema.Cookie) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cookies {
		m.cookies[m.keyFor(c)] = c.Clone()
	}
}

// List returns all cookies matching the filter.
func (m *Memory) List(ctx context.Context, filter Filter) ([]schema.Cookie, error) {
	if err := ctxErr(ctx, "list"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schema.Cookie
	for _, c := range m.cookies {
		if filter.Domain != "" && !domainMatches(c.Domain, filter.Domain) {
			continue
		}
		if filter.Name != "" && c.Name != filter.Name {
			continue
		}
		if filter.StoreID != "" && c.StoreID != filter.StoreID {
			continue
		}
		out = append(out, c.Clone())
	}
	return out, nil
}

// Set writes one cookie, replacing any record with the same composite key.
func (m *Memory) Set(ctx context.Context, cookie schema.Cookie) error {
	if err := ctxErr(ctx, "set"); err != nil {
		return err
	}
	if err := cookie.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.SetHook != nil {
		if err := m.SetHook(cookie); err != nil {
			m.mu.Unlock()
			return errs.New("store/memory", errs.CodeStoreUnavailable,
				errs.WithMessage("set rejected"), errs.WithCause(err))
		}
	}
	key := m.keyFor(cookie)
	_, existed := m.cookies[key]
	m.cookies[key] = cookie.Clone()
	m.mu.Unlock()

	cause := schema.CauseExplicit
	if existed {
		cause = schema.CauseOverwrite
	}
	m.notify(schema.Change{Cookie: cookie.Clone(), Cause: cause, Removed: false})
	return nil
}

// DeleteByURL removes every cookie named name whose path lies along the
// URL's path hierarchy on the URL's host. This coarseness is the point: the
// mutation engine's sibling preservation exists to compensate for it.
func (m *Memory) DeleteByURL(ctx context.Context, name, rawURL, storeID string) error {
	if err := ctxErr(ctx, "delete"); err != nil {
		return err
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return errs.New("store/memory", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("bad deletion url %q", rawURL)))
	}
	host := strings.ToLower(parsed.Hostname())
	targetPath := parsed.Path
	if targetPath == "" {
		targetPath = "/"
	}

	m.mu.Lock()
	if m.DeleteHook != nil {
		if err := m.DeleteHook(name, rawURL); err != nil {
			m.mu.Unlock()
			return errs.New("store/memory", errs.CodeStoreUnavailable,
				errs.WithMessage("delete rejected"), errs.WithCause(err))
		}
	}
	var removed []schema.Cookie
	for key, c := range m.cookies {
		if c.Name != name {
			continue
		}
		if storeID != "" && c.StoreID != storeID {
			continue
		}
		if !domainMatches(c.Domain, host) {
			continue
		}
		if !onPathHierarchy(c.Path, targetPath) {
			continue
		}
		removed = append(removed, c)
		delete(m.cookies, key)
	}
	m.mu.Unlock()

	for _, c := range removed {
		m.notify(schema.Change{Cookie: c.Clone(), Cause: schema.CauseExplicit, Removed: true})
	}
	return nil
}

// Subscribe registers a buffered change listener.
func (m *Memory) Subscribe(buffer int) (<-chan schema.Change, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan schema.Change, buffer)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if existing, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(existing)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Len reports the number of stored cookies.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cookies)
}

func (m *Memory) keyFor(c schema.Cookie) memKey {
	return memKey{key: c.Key(), storeID: c.StoreID}
}

func (m *Memory) notify(change schema.Change) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- change:
		default:
			// Slow consumer; drop rather than block the store.
		}
	}
}

func domainMatches(cookieDomain, host string) bool {
	return schema.NormalizeDomain(cookieDomain) == schema.NormalizeDomain(host)
}

// onPathHierarchy reports whether cookiePath is the target path or one of
// its ancestors, which is how the external primitive matches deletions.
func onPathHierarchy(cookiePath, targetPath string) bool {
	if cookiePath == "" {
		cookiePath = "/"
	}
	if cookiePath == targetPath {
		return true
	}
	if cookiePath == "/" {
		return true
	}
	prefix := cookiePath
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(targetPath, prefix)
}

func ctxErr(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}
