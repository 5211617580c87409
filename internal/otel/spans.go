package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

var noopTracer = nooptrace.NewTracerProvider().Tracer(TracerName)

// Standard attribute keys for gateway spans.
var (
	AttrTurnID     = attribute.Key("turngate.turn.id")
	AttrLoopID     = attribute.Key("turngate.loop.id")
	AttrDomain     = attribute.Key("turngate.scope.domain")
	AttrOperation  = attribute.Key("turngate.scope.operation")
	AttrProposalID = attribute.Key("turngate.proposal.id")
	AttrDecision   = attribute.Key("turngate.proposal.decision")
	AttrRunID      = attribute.Key("turngate.run.id")
	AttrCommandID  = attribute.Key("turngate.run.command")
	AttrSessionID  = attribute.Key("turngate.session.id")
	AttrRPCMethod  = attribute.Key("turngate.rpc.method")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call to the agent runtime.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// Tracer returns t, or a no-op tracer when t is nil.
func Tracer(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noopTracer
	}
	return t
}
