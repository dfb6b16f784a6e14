package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/quicvc-project/quicvc/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.Connections == nil {
		t.Error("Connections is nil")
	}
	if c.PacketsSent == nil {
		t.Error("PacketsSent is nil")
	}
	if c.PacketsReceived == nil {
		t.Error("PacketsReceived is nil")
	}
	if c.PacketsDropped == nil {
		t.Error("PacketsDropped is nil")
	}
	if c.HandshakeFailures == nil {
		t.Error("HandshakeFailures is nil")
	}
	if c.StateTransitions == nil {
		t.Error("StateTransitions is nil")
	}

	// Verify all metrics are registered by gathering them.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.ConnectionOpened()
	c.ConnectionOpened()
	if got := gaugeValue(t, c.Connections); got != 2 {
		t.Errorf("Connections = %v, want 2", got)
	}

	c.ConnectionClosed()
	if got := gaugeValue(t, c.Connections); got != 1 {
		t.Errorf("Connections = %v, want 1", got)
	}
}

func TestPacketCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.PacketSent()
	c.PacketSent()
	c.PacketSent()
	if got := counterValue(t, c.PacketsSent); got != 3 {
		t.Errorf("PacketsSent = %v, want 3", got)
	}

	c.PacketReceived()
	c.PacketReceived()
	if got := counterValue(t, c.PacketsReceived); got != 2 {
		t.Errorf("PacketsReceived = %v, want 2", got)
	}

	c.PacketDropped()
	if got := counterValue(t, c.PacketsDropped); got != 1 {
		t.Errorf("PacketsDropped = %v, want 1", got)
	}
}

func TestHandshakeFailures(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.HandshakeFailure()
	c.HandshakeFailure()
	if got := counterValue(t, c.HandshakeFailures); got != 2 {
		t.Errorf("HandshakeFailures = %v, want 2", got)
	}
}

func TestStateTransition(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.StateTransition("INITIAL", "HANDSHAKE")
	if got := counterVecValue(t, c.StateTransitions, "INITIAL", "HANDSHAKE"); got != 1 {
		t.Errorf("StateTransitions(INITIAL->HANDSHAKE) = %v, want 1", got)
	}

	c.StateTransition("HANDSHAKE", "ESTABLISHED")
	if got := counterVecValue(t, c.StateTransitions, "HANDSHAKE", "ESTABLISHED"); got != 1 {
		t.Errorf("StateTransitions(HANDSHAKE->ESTABLISHED) = %v, want 1", got)
	}

	c.StateTransition("INITIAL", "HANDSHAKE")
	if got := counterVecValue(t, c.StateTransitions, "INITIAL", "HANDSHAKE"); got != 2 {
		t.Errorf("StateTransitions(INITIAL->HANDSHAKE) = %v, want 2", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
