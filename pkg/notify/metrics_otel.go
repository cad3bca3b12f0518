package notify

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

// OTelMetrics records RED-style counters, grounded on the teacher's
// pkg/observability.Provider.initREDMetrics (same three-instrument shape:
// a request counter, an error counter, and a duration histogram), narrowed
// here to approval-lifecycle counters rather than generic RPC metrics. The
// latency histogram is the duration leg of that shape, recording
// hitl_response_latency_seconds (spec.md §4.6 decide step 9).
type OTelMetrics struct {
	createdCounter    metric.Int64Counter
	decidedCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	latencyHistogram  metric.Float64Histogram
}

// NewOTelMetrics builds the gateway's counters against the given meter
// (typically from an otel.MeterProvider already wired in cmd/hitl-gateway).
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	created, err := meter.Int64Counter("hitl.approvals.created",
		metric.WithDescription("approval requests opened"))
	if err != nil {
		return nil, fmt.Errorf("notify: build created counter: %w", err)
	}
	decided, err := meter.Int64Counter("hitl.approvals.decided",
		metric.WithDescription("approval requests resolved, by outcome and reason"))
	if err != nil {
		return nil, fmt.Errorf("notify: build decided counter: %w", err)
	}
	errs, err := meter.Int64Counter("hitl.approvals.errors",
		metric.WithDescription("gateway errors, by SEC code"))
	if err != nil {
		return nil, fmt.Errorf("notify: build error counter: %w", err)
	}
	latency, err := meter.Float64Histogram("hitl.response_latency_seconds",
		metric.WithDescription("time from approval request to operator decision"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("notify: build latency histogram: %w", err)
	}
	return &OTelMetrics{
		createdCounter:   created,
		decidedCounter:   decided,
		errorCounter:     errs,
		latencyHistogram: latency,
	}, nil
}

func (m *OTelMetrics) RecordCreated(ctx context.Context, instrument string) {
	m.createdCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("instrument", instrument)))
}

func (m *OTelMetrics) RecordDecided(ctx context.Context, outcome contracts.DecisionOutcome, reason string, latency time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("reason", reason),
	)
	m.decidedCounter.Add(ctx, 1, attrs)
	m.latencyHistogram.Record(ctx, latency.Seconds(), attrs)
}

func (m *OTelMetrics) RecordError(ctx context.Context, code contracts.SecCode) {
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
}
