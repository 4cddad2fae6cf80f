package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the orchestrator's instruments.
type Metrics struct {
	SessionsStarted metric.Int64Counter
	SessionOutcomes metric.Int64Counter
	SessionDuration metric.Float64Histogram
	Claims          metric.Int64Counter
	TokensUsed      metric.Int64Counter
	CostUSD         metric.Float64Counter
	ActiveSlots     metric.Int64UpDownCounter
	MergeConflicts  metric.Int64Counter
	RequestDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.SessionsStarted, err = meter.Int64Counter("featureloop.session.started",
		metric.WithDescription("Worker sessions spawned"),
	); err != nil {
		return nil, err
	}
	if m.SessionOutcomes, err = meter.Int64Counter("featureloop.session.outcomes",
		metric.WithDescription("Worker sessions by outcome"),
	); err != nil {
		return nil, err
	}
	if m.SessionDuration, err = meter.Float64Histogram("featureloop.session.duration",
		metric.WithDescription("Worker session duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.Claims, err = meter.Int64Counter("featureloop.claims",
		metric.WithDescription("Claim attempts by result"),
	); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("featureloop.tokens",
		metric.WithDescription("Tokens consumed by worker sessions"),
	); err != nil {
		return nil, err
	}
	if m.CostUSD, err = meter.Float64Counter("featureloop.cost",
		metric.WithDescription("Worker session cost"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if m.ActiveSlots, err = meter.Int64UpDownCounter("featureloop.slots.active",
		metric.WithDescription("Running orchestration loops"),
	); err != nil {
		return nil, err
	}
	if m.MergeConflicts, err = meter.Int64Counter("featureloop.merge.conflicts",
		metric.WithDescription("Worktree merges that ended in conflict"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("featureloop.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NopMetrics returns instruments backed by a no-op meter.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// RecordOutcome counts a finished session and its duration.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	m.SessionOutcomes.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, seconds, attrs)
}

// RecordUsage adds a session's tokens and cost.
func (m *Metrics) RecordUsage(ctx context.Context, model string, tokensIn, tokensOut int64, cost float64) {
	if m == nil {
		return
	}
	m.TokensUsed.Add(ctx, tokensIn, metric.WithAttributes(AttrModel.String(model), attribute.String("direction", "input")))
	m.TokensUsed.Add(ctx, tokensOut, metric.WithAttributes(AttrModel.String(model), attribute.String("direction", "output")))
	if cost > 0 {
		m.CostUSD.Add(ctx, cost, metric.WithAttributes(AttrModel.String(model)))
	}
}

// RecordClaim counts a claim attempt by its result.
func (m *Metrics) RecordClaim(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.Claims.Add(ctx, 1, metric.WithAttributes(AttrClaimReason.String(reason)))
}
