package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricAuditAppendsTotal       = "audit_appends_total"
	MetricAuditAppendConflicts    = "audit_append_conflicts_total"
	MetricAuditVerificationsTotal = "audit_verifications_total"
	MetricAuditVerifiedEntries    = "audit_verified_entries"
)

// Append and verification outcomes.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultValid    = "valid"
	ResultTampered = "tampered"
)

// Metrics contains Prometheus metrics for the audit ledger.
type Metrics struct {
	appendsTotal       *prometheus.CounterVec
	appendConflicts    prometheus.Counter
	verificationsTotal *prometheus.CounterVec
	verifiedEntries    prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		appendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAuditAppendsTotal,
			Help: "Total number of audit append attempts by result",
		}, []string{"result"}),
		appendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAuditAppendConflicts,
			Help: "Total number of appends retried because another writer advanced the chain",
		}),
		verificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAuditVerificationsTotal,
			Help: "Total number of chain verifications by result",
		}, []string{"result"}),
		verifiedEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricAuditVerifiedEntries,
			Help: "Number of entries checked by the most recent verification",
		}),
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

// IncAppends increments the append counter for result.
func (m *Metrics) IncAppends(result string) { m.appendsTotal.WithLabelValues(result).Inc() }

// IncAppendConflicts increments the conflict counter.
func (m *Metrics) IncAppendConflicts() { m.appendConflicts.Inc() }

// ObserveVerification records the outcome of a verification run.
func (m *Metrics) ObserveVerification(r VerifyResult) {
	result := ResultValid
	if !r.Valid {
		result = ResultTampered
	}
	m.verificationsTotal.WithLabelValues(result).Inc()
	m.verifiedEntries.Set(float64(r.Checked))
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appendsTotal,
		m.appendConflicts,
		m.verificationsTotal,
		m.verifiedEntries,
	}
}
