package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))

	var m *Metrics
	m.ScoringBatch(context.Background(), 1, 1, time.Second)
	m.RoutingOutcome(context.Background(), "routed")
}

func TestMetricsRecordScoring(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()
	m.ScoringBatch(ctx, 98, 2, 20*time.Millisecond)
	m.ClaimConflict(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if s, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(98), sums["revline.scoring.scored"])
	assert.Equal(t, int64(2), sums["revline.scoring.errors"])
	assert.Equal(t, int64(1), sums["revline.tasks.claim_conflicts"])
}
