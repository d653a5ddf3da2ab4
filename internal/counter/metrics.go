package counter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricCounterStoreFallbackTotal = "counter_store_fallback_total"
)

// Metrics contains Prometheus metrics for the shared counter store.
type Metrics struct {
	fallbackTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance. Call Register to expose it.
func NewMetrics() *Metrics {
	return &Metrics{
		fallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCounterStoreFallbackTotal,
				Help: "Total number of counter store calls served by the in-process fallback, by operation",
			},
			[]string{"op"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.fallbackTotal)
}

// IncFallback increments the fallback counter for op.
func (m *Metrics) IncFallback(op string) {
	m.fallbackTotal.WithLabelValues(op).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.fallbackTotal}
}
