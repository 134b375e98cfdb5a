package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitflowhq/bitflow-core/errors"
)

func TestNewRegistryCoreMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.CoreMetrics())
	assert.NotNil(t, r.PrometheusRegistry())

	// Core metrics are usable immediately.
	r.Metrics.RecordOperation("stream", "CreateStream", "ok")
	r.Metrics.RecordError("bridge_failure", "high")
	r.Metrics.EscrowLockedSats.Set(100_000)
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "test_counter_total",
		Help:      "test",
	})
	require.NoError(t, r.Register("bridge", "test_counter", c))

	err := r.Register("bridge", "test_counter", c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindInvalidParameters))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "test_gauge",
		Help:      "test",
	})
	require.NoError(t, r.Register("yield", "test_gauge", c))

	assert.True(t, r.Unregister("yield", "test_gauge"))
	assert.False(t, r.Unregister("yield", "test_gauge"))

	// Can re-register after unregistering.
	require.NoError(t, r.Register("yield", "test_gauge", c))
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.RecordOperation("stream", "Withdraw", "ok")
	m.RecordError("storage_error", "critical")
}
