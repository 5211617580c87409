package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway's instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	TurnDuration      metric.Float64Histogram
	ActiveTurns       metric.Int64UpDownCounter
	TurnsTotal        metric.Int64Counter
	ProposalsCreated  metric.Int64Counter
	ProposalsResolved metric.Int64Counter
	ScopeDenials      metric.Int64Counter
	RunsStarted       metric.Int64Counter
	RunsBlocked       metric.Int64Counter
	StreamEvents      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("turngate.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("turngate.turn.duration",
		metric.WithDescription("Turn wall time from start to terminal event"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("turngate.turn.active",
		metric.WithDescription("Turns currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsTotal, err = meter.Int64Counter("turngate.turn.total",
		metric.WithDescription("Turns reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.ProposalsCreated, err = meter.Int64Counter("turngate.proposal.created",
		metric.WithDescription("Proposals entering the review queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ProposalsResolved, err = meter.Int64Counter("turngate.proposal.resolved",
		metric.WithDescription("Proposals approved or rejected"),
	)
	if err != nil {
		return nil, err
	}

	m.ScopeDenials, err = meter.Int64Counter("turngate.scope.denials",
		metric.WithDescription("Scope checks that rejected at least one path"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("turngate.run.started",
		metric.WithDescription("Command runs spawned"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsBlocked, err = meter.Int64Counter("turngate.run.blocked",
		metric.WithDescription("Command runs refused by the allow-list"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEvents, err = meter.Int64Counter("turngate.stream.events",
		metric.WithDescription("Events appended to turn and run logs"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// The helpers below tolerate a nil *Metrics so components can run without telemetry.

func (m *Metrics) TurnStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveTurns.Add(ctx, 1)
}

func (m *Metrics) TurnEnded(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ActiveTurns.Add(ctx, -1)
	m.TurnsTotal.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) ProposalCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.ProposalsCreated.Add(ctx, 1)
}

func (m *Metrics) ProposalResolved(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.ProposalsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *Metrics) ScopeDenied(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.ScopeDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *Metrics) RunStarted(ctx context.Context, commandID string) {
	if m == nil {
		return
	}
	m.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("command", commandID)))
}

func (m *Metrics) RunBlocked(ctx context.Context, blockedBy string) {
	if m == nil {
		return
	}
	m.RunsBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String("blocked_by", blockedBy)))
}

func (m *Metrics) StreamEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.StreamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", kind)))
}

func (m *Metrics) Request(ctx context.Context, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
