package command

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/homecore/metric"
)

// commandMetrics holds Prometheus metrics for the command registry
type commandMetrics struct {
	calls      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	registered prometheus.Gauge
}

func newCommandMetrics(registrar metric.MetricsRegistrar) *commandMetrics {
	if registrar == nil {
		return nil
	}

	m := &commandMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "command",
			Name:      "calls_total",
			Help:      "Command calls by outcome",
		}, []string{"domain", "service", "result"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "command",
			Name:      "call_duration_seconds",
			Help:      "Time spent in command handlers",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"domain", "service"}),

		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "command",
			Name:      "registered",
			Help:      "Commands currently registered",
		}),
	}

	_ = registrar.RegisterCounterVec("command", "calls_total", m.calls)
	_ = registrar.RegisterHistogramVec("command", "call_duration_seconds", m.duration)
	_ = registrar.RegisterGauge("command", "registered", m.registered)

	return m
}

func (m *commandMetrics) recordCall(domain, service, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(domain, service, result).Inc()
	if result == "success" || result == "error" {
		m.duration.WithLabelValues(domain, service).Observe(d.Seconds())
	}
}

func (m *commandMetrics) setRegistered(n int) {
	if m == nil {
		return
	}
	m.registered.Set(float64(n))
}
