package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesSeverityAndFields(t *testing.T) {
	err := New(
		"mutate",
		CodeStoreUnavailable,
		WithMessage("delete rejected"),
		WithContext("https://example.com/"),
		WithSeverity(SeverityPartial),
		WithFields(map[string]string{
			"cookie": "sid",
			"path":   "/a",
		}),
		WithField("attempt", "2"),
		WithCause(errors.New("store rpc failed")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=mutate") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=store_unavailable") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "severity=partial") {
		t.Fatalf("expected severity in error string: %s", out)
	}
	expectedFields := "fields=attempt=\"2\",cookie=\"sid\",path=\"/a\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "cause=\"store rpc failed\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestFatalSeverityMarkerOmitted(t *testing.T) {
	err := New("aggregate", CodeNotFound)
	if strings.Contains(err.Error(), "severity=") {
		t.Fatalf("severity marker should be omitted for fatal errors: %s", err.Error())
	}
}

func TestWithSeverityEmptyDefaultsToFatal(t *testing.T) {
	err := New("scheduler", CodeInvalid, WithSeverity(""))
	if err.Severity != SeverityFatal {
		t.Fatalf("expected severity to default to fatal, got %q", err.Severity)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := New("store", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the cause")
	}
}

func TestIsCodeWalksWrappedErrors(t *testing.T) {
	inner := StaleContext("aggregate", "https://example.com/")
	wrapped := fmt.Errorf("commit aggregation: %w", inner)
	if !IsCode(wrapped, CodeStaleContext) {
		t.Fatalf("expected IsCode to find stale_context through wrapping")
	}
	if IsCode(wrapped, CodeConflict) {
		t.Fatalf("unexpected match for conflict code")
	}
	if IsCode(nil, CodeStaleContext) {
		t.Fatalf("nil error must not match any code")
	}
}

func TestStaleContextDefaults(t *testing.T) {
	err := StaleContext("engine", "https://example.com/account")
	if err.Severity != SeverityDiscard {
		t.Fatalf("stale context errors must carry discard severity, got %q", err.Severity)
	}
	if err.Context != "https://example.com/account" {
		t.Fatalf("expected context to be preserved, got %q", err.Context)
	}
}
