package lockout

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricLockoutFailuresTotal    = "lockout_failures_total"
	MetricLockoutLocksTotal       = "lockout_locks_total"
	MetricLockoutRejectionsTotal  = "lockout_rejections_total"
	MetricLockoutStoreErrorsTotal = "lockout_store_errors_total"
)

// Metrics contains Prometheus metrics for the lockout guard.
// All operations are thread-safe.
type Metrics struct {
	failuresTotal   prometheus.Counter
	locksTotal      prometheus.Counter
	rejectionsTotal prometheus.Counter
	storeErrors     *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		failuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricLockoutFailuresTotal,
			Help: "Total number of failed authentication attempts recorded",
		}),
		locksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricLockoutLocksTotal,
			Help: "Total number of identifiers locked",
		}),
		rejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricLockoutRejectionsTotal,
			Help: "Total number of authentication attempts rejected because the identifier was locked",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricLockoutStoreErrorsTotal,
			Help: "Total number of counter store errors by operation",
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

// IncFailures increments the failures counter.
func (m *Metrics) IncFailures() { m.failuresTotal.Inc() }

// IncLocks increments the locks counter.
func (m *Metrics) IncLocks() { m.locksTotal.Inc() }

// IncRejections increments the rejections counter.
func (m *Metrics) IncRejections() { m.rejectionsTotal.Inc() }

// IncStoreErrors increments the store error counter for op.
func (m *Metrics) IncStoreErrors(op string) { m.storeErrors.WithLabelValues(op).Inc() }

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.failuresTotal,
		m.locksTotal,
		m.rejectionsTotal,
		m.storeErrors,
	}
}
