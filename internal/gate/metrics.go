package gate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricLoginAttemptsTotal counts login attempts by result.
const MetricLoginAttemptsTotal = "auth_login_attempts_total"

// Login results.
const (
	ResultSuccess   = "success"
	ResultInvalid   = "invalid_credentials"
	ResultLocked    = "locked"
	ResultSuspended = "suspended"
	ResultError     = "error"
)

// Metrics contains Prometheus metrics for the authentication pipeline.
type Metrics struct {
	loginAttempts *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricLoginAttemptsTotal,
			Help: "Total number of login attempts by result",
		}, []string{"result"}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.loginAttempts)
}

// IncLogins increments the login counter for result.
func (m *Metrics) IncLogins(result string) {
	m.loginAttempts.WithLabelValues(result).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.loginAttempts}
}
