// Package schema defines the canonical cookie data model shared across the engine.
package schema

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/crumbgate/crumbgate/errs"
)

// SameSite mirrors the store's same-site enforcement policy.
type SameSite string

const (
	// SameSiteUnspecified means the store reported no policy.
	SameSiteUnspecified SameSite = "unspecified"
	// SameSiteLax restricts cross-site sends to top-level navigations.
	SameSiteLax SameSite = "lax"
	// SameSiteStrict blocks all cross-site sends.
	SameSiteStrict SameSite = "strict"
	// SameSiteNone permits cross-site sends (requires Secure).
	SameSiteNone SameSite = "none"
)

// Validate ensures the policy is one of the recognised values.
func (s SameSite) Validate() error {
	switch s {
	case SameSiteUnspecified, SameSiteLax, SameSiteStrict, SameSiteNone:
		return nil
	default:
		return errs.New("schema/samesite", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown same-site policy %q", string(s))))
	}
}

// Key is the composite identity of a cookie for UI and caching purposes.
type Key struct {
	Name   string
	Domain string
	Path   string
}

// Validate ensures the key conforms to canonical rules.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Name) == "" {
		return errs.New("schema/key", errs.CodeInvalid, errs.WithMessage("cookie name required"))
	}
	if strings.TrimSpace(k.Domain) == "" {
		return errs.New("schema/key", errs.CodeInvalid, errs.WithMessage("cookie domain required"))
	}
	return nil
}

func (k Key) String() string {
	return k.Name + "|" + k.Domain + "|" + k.Path
}

// Cookie is a single cookie record as reported by the external store.
// Records are replaced wholesale on mutation; nothing mutates one in place.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	SameSite SameSite
	Expires  time.Time // zero means session-scoped
	HostOnly bool
	StoreID  string
}

// Key returns the composite (name, domain, path) identity.
func (c Cookie) Key() Key {
	return Key{Name: c.Name, Domain: NormalizeDomain(c.Domain), Path: c.Path}
}

// Session reports whether the cookie has no explicit expiration.
func (c Cookie) Session() bool {
	return c.Expires.IsZero()
}

// Validate checks the record is well-formed enough to write to the store.
func (c Cookie) Validate() error {
	if err := c.Key().Validate(); err != nil {
		return err
	}
	if c.SameSite != "" {
		if err := c.SameSite.Validate(); err != nil {
			return err
		}
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return errs.New("schema/cookie", errs.CodeInvalid, errs.WithMessage("path must start with /"))
	}
	return nil
}

// Clone returns a copy of the record.
func (c Cookie) Clone() Cookie {
	return c
}

// Fingerprint returns a stable hash of the full record at capture time.
// It is the identity used by undo/redo snapshots, where the composite key
// alone cannot distinguish a value or attribute change.
func (c Cookie) Fingerprint() string {
	h := fnv.New64a()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.Write([]byte(p))
			_, _ = h.Write([]byte{0})
		}
	}
	write(c.Name, c.Value, c.Domain, c.Path, string(c.SameSite), c.StoreID)
	write(strconv.FormatBool(c.Secure), strconv.FormatBool(c.HTTPOnly), strconv.FormatBool(c.HostOnly))
	if !c.Expires.IsZero() {
		write(strconv.FormatInt(c.Expires.UnixNano(), 10))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// WriteURL builds the URL the store expects when writing or deleting this
// cookie, anchored at the cookie's own path.
func (c Cookie) WriteURL() string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	return scheme + "://" + NormalizeDomain(c.Domain) + path
}

// NormalizeDomain strips the RFC 6265 leading dot used for domain cookies.
func NormalizeDomain(domain string) string {
	return strings.TrimPrefix(strings.TrimSpace(domain), ".")
}

// SortDirection orders a cookie set by name.
type SortDirection string

const (
	// SortAsc orders names ascending.
	SortAsc SortDirection = "asc"
	// SortDesc orders names descending.
	SortDesc SortDirection = "desc"
)

// Set is an ordered, deduplicated collection of cookies for a resolved
// domain context. Invariant: no two members share the same composite key.
// A Set is rebuilt on every aggregation pass, never mutated incrementally.
type Set struct {
	cookies []Cookie
}

// NewSet builds a Set from the given records, keeping the first occurrence
// of each composite key. Input order therefore acts as the dedup tie-break.
func NewSet(cookies []Cookie) Set {
	seen := make(map[Key]struct{}, len(cookies))
	deduped := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		key := c.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, c)
	}
	return Set{cookies: deduped}
}

// Sort orders the set by cookie name in the given direction. Ties keep
// their dedup order.
func (s Set) Sort(direction SortDirection) Set {
	sorted := make([]Cookie, len(s.cookies))
	copy(sorted, s.cookies)
	sort.SliceStable(sorted, func(i, j int) bool {
		if direction == SortDesc {
			return sorted[i].Name > sorted[j].Name
		}
		return sorted[i].Name < sorted[j].Name
	})
	return Set{cookies: sorted}
}

// Cookies returns a copy of the underlying records.
func (s Set) Cookies() []Cookie {
	out := make([]Cookie, len(s.cookies))
	copy(out, s.cookies)
	return out
}

// Len returns the number of records in the set.
func (s Set) Len() int {
	return len(s.cookies)
}

// Lookup returns the record for the composite key, if present.
func (s Set) Lookup(key Key) (Cookie, bool) {
	for _, c := range s.cookies {
		if c.Key() == key {
			return c, true
		}
	}
	return Cookie{}, false
}

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	return Set{cookies: s.Cookies()}
}

// EqualContent reports set-equality over composite key plus value. Attribute
// differences beyond the value are deliberately ignored; this is the drift
// comparison, not the undo identity.
func (s Set) EqualContent(other Set) bool {
	if len(s.cookies) != len(other.cookies) {
		return false
	}
	values := make(map[Key]string, len(s.cookies))
	for _, c := range s.cookies {
		values[c.Key()] = c.Value
	}
	for _, c := range other.cookies {
		v, ok := values[c.Key()]
		if !ok || v != c.Value {
			return false
		}
	}
	return true
}
