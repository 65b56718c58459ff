package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeonardoBeccarini/irrigation_relay/internal/model"
)

const metricsNamespace = "irrigation_relay"

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	peers            *prometheus.GaugeVec   // by role
	connections      prometheus.Counter     // peers registered
	disconnections   prometheus.Counter     // peers removed
	framesIn         *prometheus.CounterVec // by kind
	decodeErrors     *prometheus.CounterVec // by reason: malformed, unclassified, invalid
	policyViolations *prometheus.CounterVec // by reason
	framesOut        prometheus.Counter
	framesDropped    prometheus.Counter
	merges           prometheus.Counter
	score            prometheus.Gauge
}

// NewMetrics creates and registers the relay collectors with reg.
// Returns nil when reg is nil (metrics disabled).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "hub",
			Name:      "peers",
			Help:      "Live peer connections by role",
		}, []string{"role"}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "hub",
			Name:      "connections_total",
			Help:      "Total peer connections registered",
		}),
		disconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "hub",
			Name:      "disconnections_total",
			Help:      "Total peer connections removed",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "hub",
			Name:      "frames_in_total",
			Help:      "Decoded inbound frames by kind",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "codec",
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped by the codec",
		}, []string{"reason"}),
		policyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "hub",
			Name:      "policy_violations_total",
			Help:      "Frames ignored because the sender's role may not send them",
		}, []string{"reason"}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "frames_out_total",
			Help:      "Frames written to peers",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "registry",
			Name:      "frames_dropped_total",
			Help:      "Frames evicted from full peer queues",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reconciler",
			Name:      "merges_total",
			Help:      "Readings merged into the canonical state",
		}),
		score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "reconciler",
			Name:      "irrigation_score",
			Help:      "Irrigation score of the latest snapshot",
		}),
	}
	reg.MustRegister(m.peers, m.connections, m.disconnections, m.framesIn, m.decodeErrors,
		m.policyViolations, m.framesOut, m.framesDropped, m.merges, m.score)
	return m
}

func (m *Metrics) setPeers(counts map[model.Role]int) {
	if m == nil {
		return
	}
	for _, r := range []model.Role{model.RoleUnknown, model.RoleProducer, model.RoleConsumer, model.RoleObserver} {
		m.peers.WithLabelValues(string(r)).Set(float64(counts[r]))
	}
}

func (m *Metrics) connected() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.disconnections.Inc()
	}
}

func (m *Metrics) frameIn(kind string) {
	if m != nil {
		m.framesIn.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) decodeError(reason string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) policyViolation(reason string) {
	if m != nil {
		m.policyViolations.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) frameOut() {
	if m != nil {
		m.framesOut.Inc()
	}
}

func (m *Metrics) frameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) merged(score int) {
	if m != nil {
		m.merges.Inc()
		m.score.Set(float64(score))
	}
}
