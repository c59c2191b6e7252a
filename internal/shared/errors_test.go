package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Classified(t *testing.T) {
	err := Errorf(ErrTimeout, "backend timed out after %dms", 500)
	if got := KindOf(err); got != ErrTimeout {
		t.Fatalf("KindOf = %q, want timeout", got)
	}
	if !IsKind(err, ErrTimeout) {
		t.Fatal("IsKind should match")
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	inner := Errorf(ErrUnavailable, "binary not found")
	err := fmt.Errorf("worker 3: %w", inner)
	if got := KindOf(err); got != ErrUnavailable {
		t.Fatalf("KindOf through wrap = %q, want unavailable", got)
	}
}

func TestKindOf_Untyped(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf untyped = %q, want empty", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf nil = %q, want empty", got)
	}
}

func TestWrapErr_PreservesChain(t *testing.T) {
	base := errors.New("disk full")
	err := WrapErr(ErrPersistenceFailure, base, "record exchange")
	if !errors.Is(err, base) {
		t.Fatal("wrapped error lost its chain")
	}
	if KindOf(err) != ErrPersistenceFailure {
		t.Fatalf("kind = %q", KindOf(err))
	}
}

func TestWithDiagnostics_Truncates(t *testing.T) {
	err := Errorf(ErrInvalidResponse, "unparsable output").
		WithDiagnostics("abcdefghij", 4)
	if got := DiagnosticsOf(err); got != "abcd..." {
		t.Fatalf("diagnostics = %q", got)
	}
}
