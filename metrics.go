package solo

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/solo/internal/metrics"
)

// NewPrometheusMetrics registers the solo collectors with reg under namespace.
//
// Example:
//
//	collector := solo.NewPrometheusMetrics(prometheus.DefaultRegisterer, "solo")
//	inst, err := solo.NewInstance(&cfg, stores, solo.WithMetrics(collector))
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) MetricsCollector {
	return metrics.NewPrometheus(reg, namespace)
}

// NewNopMetrics returns a MetricsCollector that records nothing.
func NewNopMetrics() MetricsCollector {
	return metrics.NewNop()
}
