package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollectorCounts(t *testing.T) {
	t.Parallel()
	pc := NewPrometheusCollector("moneysync")
	reg := prometheus.NewRegistry()
	require.NoError(t, pc.Register(reg))

	pc.RecordProviderCall("plaid", "/transactions/sync", true, 20*time.Millisecond)
	pc.RecordProviderCall("plaid", "/transactions/sync", false, 30*time.Millisecond)
	require.Equal(t, 2.0, testutil.ToFloat64(pc.providerCalls.WithLabelValues("plaid", "/transactions/sync")))
	require.Equal(t, 1.0, testutil.ToFloat64(pc.providerErrors.WithLabelValues("plaid", "/transactions/sync")))

	pc.RecordSync("plaid", true, time.Second, SyncRows{Added: 3, Modified: 1})
	pc.RecordSync("plaid", false, time.Second, SyncRows{Added: 99})
	require.Equal(t, 1.0, testutil.ToFloat64(pc.syncs.WithLabelValues("plaid", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(pc.syncs.WithLabelValues("plaid", "error")))
	require.Equal(t, 3.0, testutil.ToFloat64(pc.syncRows.WithLabelValues("plaid", "added")))

	pc.RecordCircuitState("finicity", CircuitOpen)
	pc.RecordCircuitState("finicity", CircuitHalfOpen)
	require.Equal(t, 1.0, testutil.ToFloat64(pc.circuitOpens.WithLabelValues("finicity")))
	require.Equal(t, 2.0, testutil.ToFloat64(pc.circuitState.WithLabelValues("finicity")))

	pc.RecordLink("plaid", "duplicate")
	require.Equal(t, 1.0, testutil.ToFloat64(pc.links.WithLabelValues("plaid", "duplicate")))
}

func TestRegisterTwiceFails(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	require.NoError(t, NewPrometheusCollector("a").Register(reg))
	require.Error(t, NewPrometheusCollector("a").Register(reg))
}

func TestOrNoOp(t *testing.T) {
	t.Parallel()
	require.Equal(t, NoOpCollector{}, OrNoOp(nil))
	var c Collector = NoOpCollector{}
	require.Equal(t, c, OrNoOp(c))
}
