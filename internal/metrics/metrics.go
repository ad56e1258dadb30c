// Package metrics defines the engine's Prometheus instrumentation. All
// recorder methods are nil-safe so callers never need to guard for a
// disabled metrics pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the engine exports.
type Metrics struct {
	packetsIn         *prometheus.CounterVec
	packetsOut        *prometheus.CounterVec
	packetsRejected   *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	discoveredPeers   prometheus.Gauge
	pairingOutcomes   *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	handlerPanics     *prometheus.CounterVec
}

// New registers all collectors on reg and returns the recorder.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		packetsIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanlink",
			Name:      "packets_received_total",
			Help:      "Packets received from peers, by packet type.",
		}, []string{"type"}),
		packetsOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanlink",
			Name:      "packets_sent_total",
			Help:      "Packets sent to peers, by packet type.",
		}, []string{"type"}),
		packetsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanlink",
			Name:      "packets_rejected_total",
			Help:      "Outbound packets refused before send, by reason.",
		}, []string{"reason"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lanlink",
			Name:      "active_sessions",
			Help:      "Currently established device sessions.",
		}),
		discoveredPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lanlink",
			Name:      "discovered_peers",
			Help:      "Peers currently visible in the discovery table.",
		}),
		pairingOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanlink",
			Name:      "pairing_outcomes_total",
			Help:      "Resolved pairing attempts, by terminal state.",
		}, []string{"state"}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lanlink",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection dials made for trusted devices.",
		}),
		handlerPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lanlink",
			Name:      "plugin_panics_total",
			Help:      "Plugin handler panics recovered by the router, by plugin.",
		}, []string{"plugin"}),
	}
}

// PacketIn counts one received packet.
func (m *Metrics) PacketIn(packetType string) {
	if m == nil {
		return
	}
	m.packetsIn.WithLabelValues(packetType).Inc()
}

// PacketOut counts one sent packet.
func (m *Metrics) PacketOut(packetType string) {
	if m == nil {
		return
	}
	m.packetsOut.WithLabelValues(packetType).Inc()
}

// PacketRejected counts one outbound packet refused before send.
func (m *Metrics) PacketRejected(reason string) {
	if m == nil {
		return
	}
	m.packetsRejected.WithLabelValues(reason).Inc()
}

// SessionOpened adjusts the active session gauge upward.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed adjusts the active session gauge downward.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// SetDiscoveredPeers records the current discovery table size.
func (m *Metrics) SetDiscoveredPeers(n int) {
	if m == nil {
		return
	}
	m.discoveredPeers.Set(float64(n))
}

// PairingResolved counts one resolved pairing attempt.
func (m *Metrics) PairingResolved(state string) {
	if m == nil {
		return
	}
	m.pairingOutcomes.WithLabelValues(state).Inc()
}

// ReconnectAttempt counts one reconnection dial.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// HandlerPanic counts one recovered plugin panic.
func (m *Metrics) HandlerPanic(plugin string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(plugin).Inc()
}
