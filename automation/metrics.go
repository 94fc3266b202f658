package automation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/homecore/metric"
)

// engineMetrics holds Prometheus metrics for the rule engine
type engineMetrics struct {
	triggersTotal   *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	conditionErrors *prometheus.CounterVec
	loopsDetected   *prometheus.CounterVec
	activeRules     prometheus.Gauge
	pendingTimers   prometheus.Gauge
}

// newEngineMetrics creates and registers rule engine metrics
func newEngineMetrics(registrar metric.MetricsRegistrar) *engineMetrics {
	// nil registrar = metrics disabled
	if registrar == nil {
		return nil
	}

	m := &engineMetrics{
		triggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "automation",
			Name:      "triggers_total",
			Help:      "Trigger matches per rule",
		}, []string{"rule"}),

		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "automation",
			Name:      "runs_total",
			Help:      "Rule runs by outcome",
		}, []string{"rule", "result"}),

		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "automation",
			Name:      "run_duration_seconds",
			Help:      "Time spent executing rule actions",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 300},
		}, []string{"rule"}),

		conditionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "automation",
			Name:      "condition_errors_total",
			Help:      "Condition evaluations that failed and counted as false",
		}, []string{"rule"}),

		loopsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "automation",
			Name:      "loops_detected_total",
			Help:      "Triggers refused by loop prevention",
		}, []string{"rule"}),

		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "automation",
			Name:      "rules",
			Help:      "Number of loaded rules",
		}),

		pendingTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "automation",
			Name:      "pending_timers",
			Help:      "Armed debounce and schedule timers",
		}),
	}

	_ = registrar.RegisterCounterVec("automation", "triggers_total", m.triggersTotal)
	_ = registrar.RegisterCounterVec("automation", "runs_total", m.runsTotal)
	_ = registrar.RegisterHistogramVec("automation", "run_duration_seconds", m.runDuration)
	_ = registrar.RegisterCounterVec("automation", "condition_errors_total", m.conditionErrors)
	_ = registrar.RegisterCounterVec("automation", "loops_detected_total", m.loopsDetected)
	_ = registrar.RegisterGauge("automation", "rules", m.activeRules)
	_ = registrar.RegisterGauge("automation", "pending_timers", m.pendingTimers)

	return m
}

func (m *engineMetrics) recordTrigger(rule string) {
	if m == nil {
		return
	}
	m.triggersTotal.WithLabelValues(rule).Inc()
}

func (m *engineMetrics) recordRun(rule, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(rule, result).Inc()
	if d > 0 {
		m.runDuration.WithLabelValues(rule).Observe(d.Seconds())
	}
}

func (m *engineMetrics) recordConditionError(rule string) {
	if m == nil {
		return
	}
	m.conditionErrors.WithLabelValues(rule).Inc()
}

func (m *engineMetrics) recordLoop(rule string) {
	if m == nil {
		return
	}
	m.loopsDetected.WithLabelValues(rule).Inc()
}

func (m *engineMetrics) setRules(n int) {
	if m == nil {
		return
	}
	m.activeRules.Set(float64(n))
}

func (m *engineMetrics) setPendingTimers(n int) {
	if m == nil {
		return
	}
	m.pendingTimers.Set(float64(n))
}
