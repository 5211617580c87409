package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestTurnAndRunID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if TurnID(ctx) != "" || RunID(ctx) != "" || LoopID(ctx) != "" {
		t.Fatalf("expected empty ids on bare context")
	}
	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithLoopID(ctx, "loop-1")
	if TurnID(ctx) != "turn-1" {
		t.Fatalf("turn id = %q", TurnID(ctx))
	}
	if RunID(ctx) != "run-1" {
		t.Fatalf("run id = %q", RunID(ctx))
	}
	if LoopID(ctx) != "loop-1" {
		t.Fatalf("loop id = %q", LoopID(ctx))
	}
}

func TestActor_Default(t *testing.T) {
	if got := Actor(context.Background()); got != "anonymous" {
		t.Fatalf("expected anonymous, got %q", got)
	}
	if got := Actor(WithActor(context.Background(), "auto-apply")); got != "auto-apply" {
		t.Fatalf("expected auto-apply, got %q", got)
	}
}
