package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RequestPublished()
		m.ResponseCorrelated("SUCCESS")
		m.ResponseUnmatched()
		m.TimeoutsSwept(3)
		m.RecoveryRun("ok")
		m.ListenerStarted()
		m.ListenerStopped()
	})
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RequestPublished()
	m.RequestPublished()
	m.ResponseCorrelated("SUCCESS")
	m.ResponseUnmatched()
	m.TimeoutsSwept(0)
	m.TimeoutsSwept(2)
	m.ListenerStarted()
	m.ListenerStarted()
	m.ListenerStopped()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.requestsPublished))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.responsesCorrelated.WithLabelValues("SUCCESS")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.responsesUnmatched))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.timeoutsSwept))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeListeners))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
