// Package metrics holds the OpenTelemetry instruments recorded by the
// engine and the worker pool.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "flowforge"

// Recorder groups the instruments. A nil *Recorder records nothing.
type Recorder struct {
	claims        metric.Int64Counter
	stages        metric.Int64Counter
	fallbacks     metric.Int64Counter
	runs          metric.Int64Counter
	requeues      metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Recorder, error) {
	claims, err := meter.Int64Counter("flowforge.claims",
		metric.WithDescription("Work items claimed by workers"))
	if err != nil {
		return nil, fmt.Errorf("failed to create claims counter: %w", err)
	}
	stages, err := meter.Int64Counter("flowforge.stages",
		metric.WithDescription("Stage attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stages counter: %w", err)
	}
	fallbacks, err := meter.Int64Counter("flowforge.stub_fallbacks",
		metric.WithDescription("Generation stages that fell back to stub output"))
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback counter: %w", err)
	}
	runs, err := meter.Int64Counter("flowforge.runs.finished",
		metric.WithDescription("Runs reaching a terminal or paused state"))
	if err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}
	requeues, err := meter.Int64Counter("flowforge.runs.requeued",
		metric.WithDescription("Runs handed back to the queue unfinished"))
	if err != nil {
		return nil, fmt.Errorf("failed to create requeue counter: %w", err)
	}
	duration, err := meter.Float64Histogram("flowforge.stage.duration",
		metric.WithDescription("Provider dispatch duration"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	return &Recorder{claims: claims, stages: stages, fallbacks: fallbacks, runs: runs, requeues: requeues, stageDuration: duration}, nil
}

// Global uses the process-wide meter provider.
func Global() (*Recorder, error) {
	return New(otel.Meter(meterName))
}

// Noop returns a recorder whose instruments discard everything.
func Noop() *Recorder {
	r, _ := New(noop.NewMeterProvider().Meter(meterName))
	return r
}

// Claimed counts one claimed run or job.
func (r *Recorder) Claimed(ctx context.Context, queue string) {
	if r == nil {
		return
	}
	r.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// StageFinished records one stage attempt.
func (r *Recorder) StageFinished(ctx context.Context, kind, providerID, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("provider", providerID),
		attribute.String("outcome", outcome),
	)
	r.stages.Add(ctx, 1, attrs)
	r.stageDuration.Record(ctx, d.Seconds(), attrs)
}

// Fallback counts a stub substitution.
func (r *Recorder) Fallback(ctx context.Context, providerID, errKind string) {
	if r == nil {
		return
	}
	r.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", providerID),
		attribute.String("error_kind", errKind),
	))
}

// RunFinished counts a run leaving the claim with the given status.
func (r *Recorder) RunFinished(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Requeued counts a run returned to the queue before finishing.
func (r *Recorder) Requeued(ctx context.Context, reason string) {
	if r == nil {
		return
	}
	r.requeues.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
