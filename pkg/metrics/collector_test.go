package metrics

import (
	"testing"

	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	g, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(g))
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	return families[0].GetMetric()[0].GetGauge().GetValue()
}

func TestCollectorCountsGraph(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Update(func(tx storage.Tx) error {
		require.NoError(t, tx.PutServer(&types.Server{NodeBase: types.NodeBase{UUID: "s1", AET: "A", Status: types.StatusUp}}))
		require.NoError(t, tx.PutServer(&types.Server{NodeBase: types.NodeBase{UUID: "s2", AET: "B", Status: types.StatusUp}}))
		require.NoError(t, tx.PutModality(&types.Modality{NodeBase: types.NodeBase{UUID: "m1", AET: "CT", Status: types.StatusPending}}))
		require.NoError(t, tx.PutConnection(&types.Connection{FromUUID: "s1", ToUUID: "s2", Status: types.StatusDown}))
		return tx.PutHost(&types.Host{ID: "h1", Name: "node-a", Status: "ready"})
	}))

	NewCollector(store, 0).Collect()

	assert.Equal(t, 2.0, gaugeValue(t, NodesTotal, "server", "up"))
	assert.Equal(t, 1.0, gaugeValue(t, NodesTotal, "modality", "pending"))
	assert.Equal(t, 1.0, gaugeValue(t, ConnectionsTotal, "down"))
	assert.Equal(t, 1.0, gaugeValue(t, HostsTotal, "ready"))
}
