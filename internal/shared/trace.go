package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type turnIDKey struct{}
type runIDKey struct{}
type loopIDKey struct{}
type actorKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTurnID attaches a turn_id to the context.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, turnID)
}

// TurnID extracts turn_id from context. Returns "" if absent.
func TurnID(ctx context.Context) string {
	if v, ok := ctx.Value(turnIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithLoopID attaches a loop_id to the context.
func WithLoopID(ctx context.Context, loopID string) context.Context {
	return context.WithValue(ctx, loopIDKey{}, loopID)
}

// LoopID extracts loop_id from context. Returns "" if absent.
func LoopID(ctx context.Context) string {
	if v, ok := ctx.Value(loopIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActor records who is acting (a reviewer name, "auto-apply", "cli").
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the acting principal. Returns "anonymous" if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}
