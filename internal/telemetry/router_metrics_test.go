package internaltelemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRouterMetricsSnapshotAndExport(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewRouterMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.IncrementTotalStarted(ctx)
	m.IncrementTotalStarted(ctx)
	m.IncrementCommitInitiated(ctx, "twoPhaseCommit")
	m.IncrementCommitSuccessful(ctx, "twoPhaseCommit", 3*time.Millisecond)
	m.IncrementTotalCommitted(ctx)
	m.IncrementTotalAborted(ctx)
	m.IncrementAbortCauseMap(ctx, "abort")
	m.AddToTotalRequestsTargeted(ctx, 4)

	snap := m.Snapshot()
	require.EqualValues(t, 2, snap.TotalStarted)
	require.EqualValues(t, 1, snap.TotalCommitted)
	require.EqualValues(t, 1, snap.TotalAborted)
	require.EqualValues(t, 4, snap.TotalRequestsTargeted)
	require.EqualValues(t, 1, snap.AbortCause["abort"])
	require.Equal(t, CommitTypeStats{Initiated: 1, Successful: 1, SuccessfulDurationMicros: 3000}, snap.CommitTypes["twoPhaseCommit"])

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "gojotxn.router.txn.started" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			require.EqualValues(t, 2, sum.DataPoints[0].Value)
			found = true
		}
	}
	require.True(t, found)
}
