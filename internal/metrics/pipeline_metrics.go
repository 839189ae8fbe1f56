package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("pipeline-metrics")

// PipelineMetrics provides metrics collection for turn execution
type PipelineMetrics struct {
	turnsStartedCounter   metric.Int64Counter
	turnsCompletedCounter metric.Int64Counter
	turnsFailedCounter    metric.Int64Counter
	stepDurationHistogram metric.Float64Histogram
	reworkCounter         metric.Int64Counter
	fallbackCounter       metric.Int64Counter
	turnsActiveGauge      metric.Int64UpDownCounter
}

// NewPipelineMetrics creates a new pipeline metrics collector
func NewPipelineMetrics() (*PipelineMetrics, error) {
	turnsStartedCounter, err := meter.Int64Counter(
		"pg_rag.turns.started",
		metric.WithDescription("Total number of turns started"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	turnsCompletedCounter, err := meter.Int64Counter(
		"pg_rag.turns.completed",
		metric.WithDescription("Total number of turns completed successfully"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	turnsFailedCounter, err := meter.Int64Counter(
		"pg_rag.turns.failed",
		metric.WithDescription("Total number of turns that failed"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	stepDurationHistogram, err := meter.Float64Histogram(
		"pg_rag.step.duration",
		metric.WithDescription("Duration of a single step invocation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	reworkCounter, err := meter.Int64Counter(
		"pg_rag.validation.reworks",
		metric.WithDescription("Total number of rework verdicts from validation"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return nil, err
	}

	fallbackCounter, err := meter.Int64Counter(
		"pg_rag.turns.fallbacks",
		metric.WithDescription("Total number of turns that ended in a fallback answer"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	turnsActiveGauge, err := meter.Int64UpDownCounter(
		"pg_rag.turns.active",
		metric.WithDescription("Number of turns currently running"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		turnsStartedCounter:   turnsStartedCounter,
		turnsCompletedCounter: turnsCompletedCounter,
		turnsFailedCounter:    turnsFailedCounter,
		stepDurationHistogram: stepDurationHistogram,
		reworkCounter:         reworkCounter,
		fallbackCounter:       fallbackCounter,
		turnsActiveGauge:      turnsActiveGauge,
	}, nil
}

// RecordTurnStarted records the start of a turn
func (pm *PipelineMetrics) RecordTurnStarted(ctx context.Context, threadID string) {
	pm.turnsStartedCounter.Add(ctx, 1)
	pm.turnsActiveGauge.Add(ctx, 1)
}

// RecordTurnCompleted records a successful turn, outcome is one of
// direct, final or fallback
func (pm *PipelineMetrics) RecordTurnCompleted(ctx context.Context, threadID, outcome string, duration time.Duration) {
	pm.turnsCompletedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
		),
	)
	if outcome == "fallback" {
		pm.fallbackCounter.Add(ctx, 1)
	}
	pm.turnsActiveGauge.Add(ctx, -1)
}

// RecordTurnFailed records a turn that aborted with an error
func (pm *PipelineMetrics) RecordTurnFailed(ctx context.Context, threadID, errorKind string, duration time.Duration) {
	pm.turnsFailedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("error.kind", errorKind),
		),
	)
	pm.turnsActiveGauge.Add(ctx, -1)
}

// RecordStepDuration records how long one step invocation took
func (pm *PipelineMetrics) RecordStepDuration(ctx context.Context, step string, duration time.Duration, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	pm.stepDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("step", step),
			attribute.String("status", status),
		),
	)
}

// RecordRework records a validation rework verdict
func (pm *PipelineMetrics) RecordRework(ctx context.Context, threadID string, attempt int) {
	pm.reworkCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Int("attempt", attempt),
		),
	)
}
