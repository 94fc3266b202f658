package natsbridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/homecore/metric"
)

// bridgeMetrics holds Prometheus metrics for the NATS export
type bridgeMetrics struct {
	published *prometheus.CounterVec
	kvWrites  *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

// newBridgeMetrics creates and registers bridge metrics
func newBridgeMetrics(registrar metric.MetricsRegistrar) *bridgeMetrics {
	if registrar == nil {
		return nil
	}

	m := &bridgeMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "natsbridge",
			Name:      "events_exported_total",
			Help:      "Bus events published to NATS",
		}, []string{"event_type"}),

		kvWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "natsbridge",
			Name:      "kv_writes_total",
			Help:      "Entity state writes to the KV bucket",
		}, []string{"op"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "natsbridge",
			Name:      "errors_total",
			Help:      "Failed exports by operation",
		}, []string{"op"}),
	}

	_ = registrar.RegisterCounterVec("natsbridge", "events_exported_total", m.published)
	_ = registrar.RegisterCounterVec("natsbridge", "kv_writes_total", m.kvWrites)
	_ = registrar.RegisterCounterVec("natsbridge", "errors_total", m.errors)

	return m
}

func (m *bridgeMetrics) recordPublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

func (m *bridgeMetrics) recordKVWrite(op string) {
	if m == nil {
		return
	}
	m.kvWrites.WithLabelValues(op).Inc()
}

func (m *bridgeMetrics) recordError(op string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(op).Inc()
}
