package runtime

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register(), "second Register is a no-op")

	// A second metrics set on the same registerer tolerates the overlap.
	other := NewPipelineMetrics(reg)
	require.NoError(t, other.Register())
}

func TestPipelineMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)
	require.NoError(t, m.Register())

	m.frameReceived()
	m.frameReceived()
	m.decodeFailed("malformed")
	m.reconnect()
	m.connectError()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.framesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.decodeFailuresTotal.WithLabelValues("malformed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reconnectsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectErrorsTotal))
}

func TestDispatchHooksTrackQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)
	require.NoError(t, m.Register())

	hooks := m.dispatchHooks()
	hooks.OnEnqueued("a", 1)
	hooks.OnEnqueued("b", 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.enqueuedTotal))

	hooks.OnDispatched("a")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.dispatchedTotal))

	hooks.OnFailed("a")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sinkFailuresTotal))

	hooks.OnCleared(1)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.queueDepth))
}
