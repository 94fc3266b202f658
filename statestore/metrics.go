package statestore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/homecore/metric"
)

// storeMetrics holds Prometheus metrics for the state store
type storeMetrics struct {
	writes   *prometheus.CounterVec
	clamped  prometheus.Counter
	entities prometheus.Gauge
}

func newStoreMetrics(registrar metric.MetricsRegistrar) *storeMetrics {
	if registrar == nil {
		return nil
	}

	m := &storeMetrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "statestore",
			Name:      "writes_total",
			Help:      "State writes by outcome (changed, reported, removed)",
		}, []string{"result"}),

		clamped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "statestore",
			Name:      "values_too_long_total",
			Help:      "State values replaced by unknown because they exceeded the length limit",
		}),

		entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "statestore",
			Name:      "entities",
			Help:      "Entities currently stored",
		}),
	}

	_ = registrar.RegisterCounterVec("statestore", "writes_total", m.writes)
	_ = registrar.RegisterCounter("statestore", "values_too_long_total", m.clamped)
	_ = registrar.RegisterGauge("statestore", "entities", m.entities)

	return m
}

func (m *storeMetrics) recordWrite(result string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(result).Inc()
}

func (m *storeMetrics) recordClamped() {
	if m == nil {
		return
	}
	m.clamped.Inc()
}

func (m *storeMetrics) setEntities(n int) {
	if m == nil {
		return
	}
	m.entities.Set(float64(n))
}
