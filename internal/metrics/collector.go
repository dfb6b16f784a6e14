// Package metrics exposes quicvcd's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quicvc"

// Label names.
const (
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// Collector holds all quicvcd Prometheus metrics and implements
// internal/quicvc.MetricsRecorder.
type Collector struct {
	// Connections tracks the number of currently ESTABLISHED connections.
	Connections prometheus.Gauge

	// PacketsSent counts every datagram the engine has transmitted.
	PacketsSent prometheus.Counter

	// PacketsReceived counts every datagram successfully demultiplexed and
	// parsed.
	PacketsReceived prometheus.Counter

	// PacketsDropped counts datagrams dropped for any reason (malformed
	// header, no matching connection, decrypt failure, full queue).
	PacketsDropped prometheus.Counter

	// HandshakeFailures counts credential verification failures during the
	// handshake.
	HandshakeFailures prometheus.Counter

	// StateTransitions counts FSM state transitions, labeled with the old
	// and new state.
	StateTransitions *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.HandshakeFailures,
		c.StateTransitions,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of currently ESTABLISHED QUICVC connections.",
		}),

		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total QUICVC datagrams transmitted.",
		}),

		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total QUICVC datagrams successfully demultiplexed.",
		}),

		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total QUICVC datagrams dropped (malformed, unmatched, decrypt failure, full queue).",
		}),

		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total credential verification failures during the handshake.",
		}),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total QUICVC connection FSM state transitions.",
		}, []string{labelFromState, labelToState}),
	}
}

// ConnectionOpened implements internal/quicvc.MetricsRecorder.
func (c *Collector) ConnectionOpened() { c.Connections.Inc() }

// ConnectionClosed implements internal/quicvc.MetricsRecorder.
func (c *Collector) ConnectionClosed() { c.Connections.Dec() }

// PacketSent implements internal/quicvc.MetricsRecorder.
func (c *Collector) PacketSent() { c.PacketsSent.Inc() }

// PacketReceived implements internal/quicvc.MetricsRecorder.
func (c *Collector) PacketReceived() { c.PacketsReceived.Inc() }

// PacketDropped implements internal/quicvc.MetricsRecorder.
func (c *Collector) PacketDropped() { c.PacketsDropped.Inc() }

// HandshakeFailure implements internal/quicvc.MetricsRecorder.
func (c *Collector) HandshakeFailure() { c.HandshakeFailures.Inc() }

// StateTransition implements internal/quicvc.MetricsRecorder.
func (c *Collector) StateTransition(from, to string) {
	c.StateTransitions.WithLabelValues(from, to).Inc()
}
