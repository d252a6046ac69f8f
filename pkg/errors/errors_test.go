package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestPipelineErrorMessage(t *testing.T) {
	perr := New("collector", "no files found", true)
	if got := perr.Error(); got != "collector: no files found" {
		t.Fatalf("unexpected message: %s", got)
	}

	wrapped := Wrap("collector", "read failed", false, errors.New("permission denied"))
	if got := wrapped.Error(); got != "collector: read failed: permission denied" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestAsPipelineErrorThroughChain(t *testing.T) {
	perr := New("mod", "boom", true)
	chained := fmt.Errorf("outer: %w", perr)

	got := AsPipelineError(chained)
	if got == nil {
		t.Fatal("expected to find pipeline error in chain")
	}
	if got.Source != "mod" {
		t.Fatalf("wrong source: %s", got.Source)
	}

	if AsPipelineError(errors.New("plain")) != nil {
		t.Fatal("expected nil for non-pipeline error")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("cause")
	perr := Wrap("mod", "failed", false, cause)
	if !errors.Is(perr, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
}

func TestIsCritical(t *testing.T) {
	if !IsCritical(New("mod", "boom", true)) {
		t.Fatal("expected critical")
	}
	if IsCritical(New("mod", "warn", false)) {
		t.Fatal("expected non-critical")
	}
	if IsCritical(errors.New("plain")) {
		t.Fatal("plain error must not report critical")
	}
}
