package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is %T", name, m.Data)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestNewMetricsRecordsOnProvidedMeter(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	m := NewMetrics(provider.Meter("test"))
	m.BadgesGranted.Add(ctx, 2)
	m.BadgesGranted.Add(ctx, 1)
	m.SyncTimeouts.Add(ctx, 1)
	m.SaveDuration.Record(ctx, 3.5)

	assert.Equal(t, int64(3), counterValue(t, reader, "skillsync.badges.granted"))
	assert.Equal(t, int64(1), counterValue(t, reader, "skillsync.sync.timeouts"))
	assert.Equal(t, int64(0), counterValue(t, reader, "skillsync.badges.grant_failures"))
}

func TestInitDisabledInstallsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	m := OrNoop(nil)
	require.NotNil(t, m)
	m.LockContention.Add(context.Background(), 1)
}

func TestInitEnabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: true, ServiceName: "skillsync-test"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = Init(context.Background(), Config{})
	})
	NewMetrics(nil).SyncRuns.Add(context.Background(), 1)
	require.NoError(t, shutdown(context.Background()))
}
