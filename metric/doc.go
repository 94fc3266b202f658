// Package metric provides Prometheus metrics for homecore.
//
// MetricsRegistry owns a private prometheus.Registry pre-loaded with the Go
// runtime and process collectors plus a small set of process-level metrics
// (component status, classified error counts, NATS bridge health).
//
// Components define their own metric structs next to their code and register
// them through the MetricsRegistrar interface:
//
//	func newBusMetrics(registrar metric.MetricsRegistrar) *busMetrics {
//	    if registrar == nil {
//	        return nil
//	    }
//	    m := &busMetrics{published: prometheus.NewCounterVec(...)}
//	    _ = registrar.RegisterCounterVec("bus", "published", m.published)
//	    return m
//	}
//
// A nil registrar means "metrics disabled" and every component must treat a
// nil metrics struct as a no-op. Registration keys are "component.metric";
// registering the same key twice returns an Invalid error.
//
// Handler exposes the registry for scraping. Server wraps it in a standalone
// HTTP server with a /health endpoint for the CLI.
package metric
