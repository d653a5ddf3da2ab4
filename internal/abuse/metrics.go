package abuse

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricAbuseSignalsTotal     = "abuse_signals_total"
	MetricAbuseSuspensionsTotal = "abuse_suspensions_total"
	MetricAbuseStoreErrorsTotal = "abuse_store_errors_total"
)

// Metrics contains Prometheus metrics for the abuse scorer.
type Metrics struct {
	signalsTotal     *prometheus.CounterVec
	suspensionsTotal prometheus.Counter
	storeErrors      *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAbuseSignalsTotal,
			Help: "Total number of abuse signals recorded by type",
		}, []string{"signal"}),
		suspensionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAbuseSuspensionsTotal,
			Help: "Total number of automatic suspensions",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAbuseStoreErrorsTotal,
			Help: "Total number of scoring store failures by operation",
		}, []string{"op"}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncSignals increments the signal counter for signal.
func (m *Metrics) IncSignals(signal SignalType) {
	m.signalsTotal.WithLabelValues(string(signal)).Inc()
}

// IncSuspensions increments the suspension counter.
func (m *Metrics) IncSuspensions() { m.suspensionsTotal.Inc() }

// IncStoreErrors increments the store error counter for op.
func (m *Metrics) IncStoreErrors(op string) { m.storeErrors.WithLabelValues(op).Inc() }

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.signalsTotal,
		m.suspensionsTotal,
		m.storeErrors,
	}
}
