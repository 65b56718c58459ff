package persistence

import "github.com/prometheus/client_golang/prometheus"

type sinkMetrics struct {
	written prometheus.Counter
	failed  prometheus.Counter
	dropped prometheus.Counter
}

func newSinkMetrics(reg prometheus.Registerer) *sinkMetrics {
	if reg == nil {
		return nil
	}
	m := &sinkMetrics{
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "irrigation_relay",
			Subsystem: "persistence",
			Name:      "points_written_total",
			Help:      "Points written to InfluxDB",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "irrigation_relay",
			Subsystem: "persistence",
			Name:      "write_errors_total",
			Help:      "Failed InfluxDB writes",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "irrigation_relay",
			Subsystem: "persistence",
			Name:      "records_dropped_total",
			Help:      "Records dropped on a full queue or an open breaker",
		}),
	}
	reg.MustRegister(m.written, m.failed, m.dropped)
	return m
}

func (m *sinkMetrics) write() {
	if m != nil {
		m.written.Inc()
	}
}

func (m *sinkMetrics) fail() {
	if m != nil {
		m.failed.Inc()
	}
}

func (m *sinkMetrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}
