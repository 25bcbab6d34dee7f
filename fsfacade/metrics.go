package fsfacade

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// prometheusCollector is a small alias so facade.go doesn't need to import
// the prometheus package directly for its public Metrics() signature.
type prometheusCollector = prometheus.Collector

// metrics holds the per-operation instrumentation described in
// SUPPLEMENTED FEATURES, mirroring the way gcsfuse's common/oc_metrics.go
// wraps every filesystem op with a latency measurement and an error
// counter. Each Facade owns its own registry-free collector set rather
// than registering against the global prometheus.DefaultRegisterer, so
// that multiple Facades (e.g. in tests) never collide on metric names.
type metrics struct {
	latency *prometheus.HistogramVec
	errors  *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cryptofs_op_duration_seconds",
			Help:    "Latency of FsFacade operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptofs_op_errors_total",
			Help: "Count of FsFacade operations that returned an error.",
		}, []string{"op"}),
	}
}

func (m *metrics) collectors() []prometheusCollector {
	return []prometheusCollector{m.latency, m.errors}
}

// track starts a latency observation for op and returns a func to stop it,
// meant to be used as `defer f.metrics.track("op")()`.
func (m *metrics) track(op string) func() {
	start := time.Now()
	return func() {
		m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (m *metrics) err(op string) {
	m.errors.WithLabelValues(op).Inc()
}
