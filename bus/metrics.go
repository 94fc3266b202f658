package bus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/homecore/metric"
)

// busMetrics holds Prometheus metrics for the event bus
type busMetrics struct {
	published *prometheus.CounterVec
	delivered *prometheus.CounterVec
	faults    *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	listeners *prometheus.GaugeVec
}

// newBusMetrics creates and registers bus metrics
func newBusMetrics(registrar metric.MetricsRegistrar) *busMetrics {
	// nil registrar = metrics disabled
	if registrar == nil {
		return nil
	}

	m := &busMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published on the bus",
		}, []string{"event_type"}),

		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "events_delivered_total",
			Help:      "Events successfully handled by a subscriber",
		}, []string{"event_type"}),

		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "handler_faults_total",
			Help:      "Subscriber handlers that returned an error or panicked",
		}, []string{"event_type"}),

		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped from a full subscriber mailbox",
		}, []string{"subscribed_to"}),

		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "bus",
			Name:      "listeners",
			Help:      "Current subscriptions per event type",
		}, []string{"event_type"}),
	}

	_ = registrar.RegisterCounterVec("bus", "events_published_total", m.published)
	_ = registrar.RegisterCounterVec("bus", "events_delivered_total", m.delivered)
	_ = registrar.RegisterCounterVec("bus", "handler_faults_total", m.faults)
	_ = registrar.RegisterCounterVec("bus", "events_dropped_total", m.dropped)
	_ = registrar.RegisterGaugeVec("bus", "listeners", m.listeners)

	return m
}

func (m *busMetrics) recordPublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

func (m *busMetrics) recordDelivered(eventType string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(eventType).Inc()
}

func (m *busMetrics) recordFault(eventType string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(eventType).Inc()
}

func (m *busMetrics) recordDropped(subscribedTo string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(subscribedTo).Inc()
}

func (m *busMetrics) setListeners(eventType string, n int) {
	if m == nil {
		return
	}
	m.listeners.WithLabelValues(eventType).Set(float64(n))
}
