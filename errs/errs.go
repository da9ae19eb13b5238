// Package errs provides structured error types and helpers for Crumbgate services.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies an engine-level error category.
type Code string

const (
	// CodeStoreUnavailable indicates the external cookie store rejected or failed the call outright.
	CodeStoreUnavailable Code = "store_unavailable"
	// CodePermission indicates the origin is not covered by a granted permission.
	CodePermission Code = "permission_denied"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeStaleContext indicates an operation completed after the active context changed.
	CodeStaleContext Code = "stale_context"
	// CodeNetwork indicates a transport failure talking to the store.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// Severity captures how a failure should be surfaced to the consumer.
type Severity string

const (
	// SeverityFatal aborts the operation; no partial mutation is assumed.
	SeverityFatal Severity = "fatal"
	// SeverityPartial means the primary intent succeeded but a secondary step failed.
	SeverityPartial Severity = "partial"
	// SeverityDiscard means the outcome must be dropped silently (stale context).
	SeverityDiscard Severity = "discard"
)

// E captures structured error information produced across the Crumbgate stack.
type E struct {
	Component string
	Code      Code
	Context   string
	Message   string
	Severity  Severity
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Context:   "",
		Message:   "",
		Severity:  SeverityFatal,
		Fields:    nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithContext records the context URL or domain the operation targeted.
func WithContext(contextURL string) Option {
	trimmed := strings.TrimSpace(contextURL)
	return func(e *E) {
		e.Context = trimmed
	}
}

// WithSeverity overrides the default fatal severity.
func WithSeverity(severity Severity) Option {
	return func(e *E) {
		if severity == "" {
			e.Severity = SeverityFatal
			return
		}
		e.Severity = severity
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithFields merges the provided metadata into the error envelope.
func WithFields(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Fields[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Severity != "" && e.Severity != SeverityFatal {
		parts = append(parts, "severity="+string(e.Severity))
	}
	if e.Context != "" {
		parts = append(parts, "context="+strconv.Quote(e.Context))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether err or anything it wraps carries the given engine error code.
func IsCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// StaleContext returns a standardized discard-severity error for out-of-date results.
func StaleContext(component, contextURL string) *E {
	return New(component, CodeStaleContext,
		WithMessage("context changed while operation was in flight"),
		WithContext(contextURL),
		WithSeverity(SeverityDiscard))
}
