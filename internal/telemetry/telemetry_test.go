// Package telemetry tests for provider setup and instruments.
package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_disabledInstallsNothing(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "glucosync"})
	require.NoError(t, err)

	assert.Nil(t, tel.TracerProvider)
	assert.Nil(t, tel.MeterProvider)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestShutdown_nilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewInstruments_recordsCounters(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(ctx) })

	in, err := NewInstruments(provider.Meter(InstrumentationName))
	require.NoError(t, err)

	in.PushSuccess.Add(ctx, 2)
	in.QueueDropped.Add(ctx, 1)
	in.WorkflowExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", "FULL_SYNC"),
		attribute.String("status", "completed"),
	))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	totals := map[string]int64{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok, "metric %s is not an int64 sum", m.Name)
		for _, dp := range sum.DataPoints {
			totals[m.Name] += dp.Value
		}
	}

	assert.Equal(t, int64(2), totals["sync.push.success"])
	assert.Equal(t, int64(1), totals["sync.queue.dropped"])
	assert.Equal(t, int64(1), totals["workflow.executions"])
}

func TestNoopInstruments(t *testing.T) {
	in := NoopInstruments()
	require.NotNil(t, in)
	in.PullMerged.Add(context.Background(), 5)
}
