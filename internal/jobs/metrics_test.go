package jobs

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("registering twice should fail")
	}
	if got := len(m.Collectors()); got != 4 {
		t.Errorf("Collectors() = %d, want 4", got)
	}
}

// TestMetrics_Exposition checks the series an operator sees after a verify
// run, a failed purge and a dropped audit write.
func TestMetrics_Exposition(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.IncJobsTotal(JobTypeAuditVerify, StatusSuccess)
	m.ObserveJobDuration(JobTypeAuditVerify, 0.3)
	m.IncJobsTotal(JobTypeAuditPurge, StatusFailure)
	m.IncJobErrors(JobTypeAuditPurge, "run_error")
	m.IncQueueDropped(JobTypeAuditAppend)
	m.IncQueueDropped(JobTypeAuditAppend)

	const want = `
# HELP background_job_errors_total Total number of background job errors by type and error type
# TYPE background_job_errors_total counter
background_job_errors_total{error_type="run_error",job_type="audit_purge"} 1
# HELP background_jobs_total Total number of background job executions by type and status
# TYPE background_jobs_total counter
background_jobs_total{job_type="audit_purge",status="failure"} 1
background_jobs_total{job_type="audit_verify",status="success"} 1
# HELP background_queue_dropped_total Total number of items dropped because a background queue was full or stopped
# TYPE background_queue_dropped_total counter
background_queue_dropped_total{job_type="audit_append"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		MetricBackgroundJobsTotal, MetricBackgroundJobErrorsTotal, MetricQueueDroppedTotal); err != nil {
		t.Error(err)
	}

	if n := testutil.CollectAndCount(m.jobsDuration, MetricBackgroundJobsDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}
