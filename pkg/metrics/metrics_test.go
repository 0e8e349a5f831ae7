package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.ObserveHandshake(PhaseChannel, 10*time.Millisecond, nil)
	c.ObserveHandshake(PhaseChannel, 10*time.Millisecond, errors.New("boom"))
	c.ObserveHandshake(PhaseSession, 20*time.Millisecond, nil)
	c.ObserveInvoke(ResultOK, time.Millisecond)
	c.ObserveInvoke("transport", time.Millisecond)
	c.ObserveInvoke(ResultOK, time.Millisecond)
	c.ObserveHydration("session", "corrupt")
	c.Discarded(PhaseChannel, "crypto")
	c.SetStatus("ready", []string{"idle", "ready", "error"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.handshakes.WithLabelValues(PhaseChannel, ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handshakes.WithLabelValues(PhaseChannel, ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handshakes.WithLabelValues(PhaseSession, ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.invokes.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invokes.WithLabelValues("transport")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hydrations.WithLabelValues("session", "corrupt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.discarded.WithLabelValues(PhaseChannel, "crypto")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.status.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.status.WithLabelValues("idle")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.handshakeDuration))

	c.SetStatus("error", []string{"idle", "ready", "error"})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.status.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.status.WithLabelValues("error")))
}

func TestCollectorDoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveHandshake(PhaseChannel, time.Second, nil)
		c.ObserveInvoke(ResultOK, time.Second)
		c.ObserveHydration("channel", "restored")
		c.Discarded(PhaseSession, "reset")
		c.SetStatus("idle", []string{"idle"})
	})
}
