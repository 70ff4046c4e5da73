package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordUpstreamAttempt(ctx, "billing", "success", time.Millisecond)
		m.RecordCircuitTransition(ctx, "billing", "closed", "open")
		m.RecordRateLimited(ctx, "free", "minute")
		m.RecordJob(ctx, "escrow.auto_release", "completed", time.Second)
		m.RecordTickSkipped(ctx)
		m.RecordEvent(ctx, "escrow.released")
		m.RecordTransport(ctx, "redis", time.Millisecond, true)
	})
}

func TestMetrics_RecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	m, err := NewMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRateLimited(ctx, "free", "minute")
	m.RecordRateLimited(ctx, "free", "minute")
	m.RecordEvent(ctx, "invoice.paid")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[metric.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(2), totals["rate_limited_total"])
	assert.Equal(t, int64(1), totals["events_total"])
}
