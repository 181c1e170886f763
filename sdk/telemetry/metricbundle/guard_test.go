package metricbundle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestGuardMetrics_RecordsThroughManualReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	metrics, err := NewGuardMetrics(provider.Meter("metricbundle-test"))
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordLockoutSet(ctx, false, attribute.String("guard.lockout_kind", "hard"))
	metrics.RecordLockoutSet(ctx, true, attribute.String("guard.lockout_kind", "cooldown"))
	metrics.RecordActionSubmitted(ctx)
	metrics.RecordActionSettled(ctx, true, 12.5)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				sums[m.Name] = total
			}
		}
	}

	require.Equal(t, int64(2), sums["guard.lockout.set_total"])
	require.Equal(t, int64(1), sums["guard.lockout.active"])
	require.Equal(t, int64(0), sums["guard.queue.depth"])
	require.Equal(t, int64(1), sums["guard.queue.failed_total"])
}
