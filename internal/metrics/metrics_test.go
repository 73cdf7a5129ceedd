package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecorder(t *testing.T) {
	r, err := Global()
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		r.Claimed(ctx, "runs")
		r.StageFinished(ctx, "llm", "openai", "succeeded", 1500*time.Millisecond)
		r.Fallback(ctx, "openai", "not_configured")
		r.RunFinished(ctx, "succeeded")
		r.Requeued(ctx, "stage_limit")
	})

	var nilRecorder *Recorder
	assert.NotPanics(t, func() {
		nilRecorder.Claimed(ctx, "jobs")
		nilRecorder.StageFinished(ctx, "code", "internal", "failed", time.Second)
		nilRecorder.Fallback(ctx, "x", "y")
		nilRecorder.RunFinished(ctx, "failed")
		nilRecorder.Requeued(ctx, "stage_limit")
	})

	assert.NotNil(t, Noop())
}

func TestRequeuesAreNotFinishedRuns(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	r, err := New(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	r.Requeued(ctx, "stage_limit")
	r.Requeued(ctx, "stage_limit")
	r.RunFinished(ctx, "succeeded")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), totals["flowforge.runs.requeued"])
	assert.Equal(t, int64(1), totals["flowforge.runs.finished"])
}
