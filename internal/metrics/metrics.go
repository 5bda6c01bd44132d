package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guest_signaling"

// Metrics holds the coordinator's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	// Connections is the current number of registered connections.
	// Labels: state (responsive|unresponsive)
	Connections *prometheus.GaugeVec

	// Teardowns counts completed teardowns.
	// Labels: reason
	Teardowns *prometheus.CounterVec

	// Relayed counts relay attempts.
	// Labels: kind, outcome (delivered|unavailable|failed)
	Relayed *prometheus.CounterVec

	// MirrorErrors counts failed mirror store operations.
	// Labels: op
	MirrorErrors *prometheus.CounterVec

	// PeerCleanup counts downstream cleanup calls.
	// Labels: peer, outcome (ok|failed)
	PeerCleanup *prometheus.CounterVec

	// InvitesDropped counts invites evicted from a full mailbox.
	InvitesDropped prometheus.Counter
}

// New registers all collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections",
				Help:      "Registered connections by responsiveness",
			},
			[]string{"state"},
		),
		Teardowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "teardowns_total",
				Help:      "Connection teardowns by reason",
			},
			[]string{"reason"},
		),
		Relayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_total",
				Help:      "Signaling relay attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		MirrorErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_errors_total",
				Help:      "Failed mirror store operations",
			},
			[]string{"op"},
		),
		PeerCleanup: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_cleanup_total",
				Help:      "Downstream guest cleanup calls by peer and outcome",
			},
			[]string{"peer", "outcome"},
		),
		InvitesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invites_dropped_total",
				Help:      "Invites dropped because a mailbox was full",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnections(responsive, unresponsive int) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues("responsive").Set(float64(responsive))
	m.Connections.WithLabelValues("unresponsive").Set(float64(unresponsive))
}

func (m *Metrics) TeardownCompleted(reason string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) RelayOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.Relayed.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) MirrorError(op string) {
	if m == nil {
		return
	}
	m.MirrorErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) PeerCleanupOutcome(peer string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.PeerCleanup.WithLabelValues(peer, outcome).Inc()
}

func (m *Metrics) InviteDropped() {
	if m == nil {
		return
	}
	m.InvitesDropped.Inc()
}
