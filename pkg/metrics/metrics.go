// Package metrics instruments nodelink handshakes and invokes with
// Prometheus collectors.
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Handshake phases.
const (
	PhaseChannel = "channel"
	PhaseSession = "session"
)

// Outcome labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Collector holds the nodelink metrics.
type Collector struct {
	handshakes        *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	invokes           *prometheus.CounterVec
	invokeDuration    prometheus.Histogram
	hydrations        *prometheus.CounterVec
	discarded         *prometheus.CounterVec
	status            *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodelink_handshakes_total",
				Help: "Number of channel and session handshakes by result",
			},
			[]string{"phase", "result"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nodelink_handshake_duration_seconds",
				Help:    "Duration of channel and session handshakes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		invokes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodelink_invokes_total",
				Help: "Number of invokes by result",
			},
			[]string{"result"},
		),
		invokeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nodelink_invoke_duration_seconds",
				Help:    "Duration of invokes, including any handshake",
				Buckets: prometheus.DefBuckets,
			},
		),
		hydrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodelink_hydrated_records_total",
				Help: "Persisted records seen during hydration by outcome",
			},
			[]string{"record", "outcome"},
		),
		discarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodelink_discarded_total",
				Help: "Number of channels and sessions discarded by reason",
			},
			[]string{"phase", "reason"},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nodelink_status",
				Help: "Current middleware status (1 for the active status)",
			},
			[]string{"status"},
		),
	}

	for _, col := range []prometheus.Collector{
		c.handshakes, c.handshakeDuration, c.invokes, c.invokeDuration,
		c.hydrations, c.discarded, c.status,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveHandshake records one handshake attempt for phase.
func (c *Collector) ObserveHandshake(phase string, d time.Duration, err error) {
	if c == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	c.handshakes.WithLabelValues(phase, result).Inc()
	c.handshakeDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveInvoke records one invoke. result is ResultOK or an error kind.
func (c *Collector) ObserveInvoke(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.invokes.WithLabelValues(result).Inc()
	c.invokeDuration.Observe(d.Seconds())
}

// ObserveHydration records what became of a persisted record: "restored",
// "absent", "expired" or "corrupt".
func (c *Collector) ObserveHydration(record, outcome string) {
	if c == nil {
		return
	}
	c.hydrations.WithLabelValues(record, outcome).Inc()
}

// Discarded records that a channel or session was thrown away.
func (c *Collector) Discarded(phase, reason string) {
	if c == nil {
		return
	}
	c.discarded.WithLabelValues(phase, reason).Inc()
}

// SetStatus marks status as the active one among all.
func (c *Collector) SetStatus(status string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		c.status.WithLabelValues(s).Set(v)
	}
}
