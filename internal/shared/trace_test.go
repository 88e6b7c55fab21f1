package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Default is "-".
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}

	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}

	// Overwrite.
	ctx = WithTraceID(ctx, "def")
	if got := TraceID(ctx); got != "def" {
		t.Fatalf("expected def, got %q", got)
	}
}

func TestRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RunID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithRunID(ctx, "run-1")
	if got := RunID(ctx); got != "run-1" {
		t.Fatalf("expected run-1, got %q", got)
	}
}

func TestUserID_DefaultZero(t *testing.T) {
	ctx := context.Background()
	if got := UserID(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithUserID(ctx, 42)
	if got := UserID(ctx); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestAccount_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := Account(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithAccount(ctx, "herd-01")
	if got := Account(ctx); got != "herd-01" {
		t.Fatalf("expected herd-01, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
}
