package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegistry ensures every collector registers without conflicts.
func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	Evictions.Inc()
	Dispatches.WithLabelValues("round-robin", "ok").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["relay_worker_evictions_total"])
	assert.True(t, names["relay_dispatch_total"])
	assert.True(t, names["relay_active_workers"])
}

// TestGaugeValue reads a gauge back through a gather.
func TestGaugeValue(t *testing.T) {
	reg := NewRegistry()
	PolicyIndex.Set(4)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "relay_policy_index" {
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, 4.0, f.GetMetric()[0].GetGauge().GetValue())
			return
		}
	}
	t.Fatal("relay_policy_index not gathered")
}
