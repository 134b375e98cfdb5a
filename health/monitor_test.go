package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.Update("escrow", NewHealthy("escrow", "ok"))
	m.Update("bridge", NewUnhealthy("bridge", "paused"))

	status, ok := m.Get("escrow")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	_, ok = m.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"bridge", "escrow"}, m.Components())
}

func TestMonitorAggregate(t *testing.T) {
	m := NewMonitor()
	m.Update("escrow", NewHealthy("escrow", "ok"))
	m.Update("yield", NewDegraded("yield", "protocol slow"))

	system := m.AggregateHealth("bitflow")
	assert.Equal(t, StateDegraded, system.Status)
	require.Len(t, system.SubStatuses, 2)
	assert.Equal(t, "escrow", system.SubStatuses[0].Component)
	assert.Equal(t, "yield", system.SubStatuses[1].Component)

	m.Remove("yield")
	assert.Equal(t, StateHealthy, m.AggregateHealth("bitflow").Status)
}

func TestMonitorOverwritesStatus(t *testing.T) {
	m := NewMonitor()
	m.Update("bridge", NewUnhealthy("bridge", "paused"))
	m.Update("bridge", NewHealthy("bridge", "resumed"))

	status, ok := m.Get("bridge")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, StateHealthy, m.AggregateHealth("bitflow").Status)
}
