package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_ExposesActiveConnsGauge(t *testing.T) {
	reg := NewRegistry()
	reg.IncActiveConns("b1")
	reg.IncActiveConns("b1")
	reg.RecordRTT("b1", 42)

	promReg := prometheus.NewRegistry()
	require.NoError(t, promReg.Register(NewCollector(reg)))

	out, err := promReg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range out {
		if mf.GetName() == "edgeproxy_backend_active_connections" {
			found = true
			assert.Equal(t, float64(2), mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "expected edgeproxy_backend_active_connections in output")
}

func TestCollector_NoBackendsProducesNoSamples(t *testing.T) {
	reg := NewRegistry()
	count := testutil.CollectAndCount(NewCollector(reg))
	assert.Equal(t, 0, count)
}
