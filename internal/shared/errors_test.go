package shared

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestOutOfScope_NamesPaths(t *testing.T) {
	err := OutOfScope("write denied", []string{"/etc/passwd", "../secrets"})
	msg := err.Error()
	if !strings.Contains(msg, "/etc/passwd") || !strings.Contains(msg, "../secrets") {
		t.Fatalf("expected both paths in message, got %q", msg)
	}
	if !strings.HasPrefix(msg, string(KindOutOfScope)) {
		t.Fatalf("expected kind prefix, got %q", msg)
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	base := Blocked("disabled-id", "command test is disabled")
	wrapped := fmt.Errorf("start run: %w", base)
	if got := KindOf(wrapped); got != KindBlocked {
		t.Fatalf("KindOf = %q, want %q", got, KindBlocked)
	}
	var e *Error
	if !errors.As(wrapped, &e) || e.Reason != "disabled-id" {
		t.Fatalf("expected reason disabled-id, got %+v", e)
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != "" {
		t.Fatalf("expected empty kind, got %q", got)
	}
	if IsKind(nil, KindNotFound) {
		t.Fatalf("nil error must not match a kind")
	}
}

func TestTransport_Unwrap(t *testing.T) {
	inner := errors.New("broken pipe")
	err := Transport("agent runtime exited", inner)
	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to reach the wrapped error")
	}
}
