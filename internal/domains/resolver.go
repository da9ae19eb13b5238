// Package domains resolves a browsing context into the domain variants to query.
package domains

import (
	"net/url"
	"strings"

	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/schema"
)

// Options control variant expansion.
type Options struct {
	// IncludeParent adds the two-label parent domain when the resolved
	// domain has more than two labels (a.b.example.com → example.com).
	IncludeParent bool
}

// Resolution is the ordered variant list for a context. Variant order is
// significant downstream: the aggregator's dedup keeps the first occurrence.
type Resolution struct {
	// Canonical is the www-stripped domain the context resolves to.
	Canonical string
	// Variants are the domains to query, canonical form first.
	Variants []string
}

// Empty reports whether the resolution produced no queryable variants.
// Callers must treat an empty resolution as "no cookies", never as an
// unscoped fetch.
func (r Resolution) Empty() bool {
	return len(r.Variants) == 0
}

// Resolve turns a context URL or bare domain into its variant list.
func Resolve(rawContext string, opts Options) (Resolution, error) {
	domain, err := extractDomain(rawContext)
	if err != nil {
		return Resolution{}, err
	}
	if domain == "" {
		return Resolution{Canonical: "", Variants: nil}, nil
	}

	canonical := strings.TrimPrefix(domain, "www.")
	variants := []string{canonical}
	if canonical != domain {
		variants = append(variants, domain)
	}
	if opts.IncludeParent {
		if parent := parentDomain(canonical); parent != "" {
			variants = append(variants, parent)
		}
	}
	return Resolution{Canonical: canonical, Variants: variants}, nil
}

// MatchesExactly reports whether the cookie's normalized domain equals the
// variant. A fetch against example.com must not retain cookies scoped to
// sub.example.com; substring or suffix matching is exactly the failure mode
// this guards against.
func MatchesExactly(cookieDomain, variant string) bool {
	return schema.NormalizeDomain(cookieDomain) == schema.NormalizeDomain(variant)
}

func extractDomain(rawContext string) (string, error) {
	trimmed := strings.TrimSpace(rawContext)
	if trimmed == "" {
		return "", nil
	}
	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", errs.New("domains/resolver", errs.CodeInvalid,
				errs.WithMessage("unparseable context URL"),
				errs.WithContext(trimmed),
				errs.WithCause(err))
		}
		return strings.ToLower(parsed.Hostname()), nil
	}
	// A user-selected bare domain arrives without a scheme.
	host := strings.ToLower(trimmed)
	host = strings.TrimPrefix(host, ".")
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	return host, nil
}

// parentDomain returns the two-label parent, or "" when the domain already
// has two or fewer labels.
func parentDomain(domain string) string {
	labels := strings.Split(domain, ".")
	if len(labels) <= 2 {
		return ""
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
