package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/caseguard/internal/jobs"
	"github.com/onnwee/caseguard/internal/middleware"
)

func TestRecorder_AppendsInBackground(t *testing.T) {
	repo := NewInMemoryRepository()
	chain := newTestChain(repo)
	recorder := NewRecorder(chain, RecorderConfig{QueueSize: 16, Logger: newTestLogger()})
	recorder.Start()

	for i := 0; i < 5; i++ {
		if !recorder.Record(testInput(i)) {
			t.Fatalf("Record(%d) = false, want true", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := recorder.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if repo.Len() != 5 {
		t.Fatalf("entries = %d, want 5", repo.Len())
	}
	result, err := chain.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid || result.Checked != 5 {
		t.Errorf("Verify() = %+v, want valid with 5 checked", result)
	}
}

func TestRecorder_DropsInvalidInput(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	recorder := NewRecorder(newTestChain(NewInMemoryRepository()), RecorderConfig{Logger: logger})

	in := testInput(0)
	in.Action = "bogus"
	if recorder.Record(in) {
		t.Error("Record() = true for invalid input, want false")
	}
	if !strings.Contains(logs.String(), "dropping invalid audit entry") {
		t.Errorf("configured logger did not receive the drop, got %q", logs.String())
	}
}

func TestRecorder_FullQueueCountsDrops(t *testing.T) {
	metrics := jobs.NewMetrics()
	recorder := NewRecorder(newTestChain(NewInMemoryRepository()), RecorderConfig{
		QueueSize: 1,
		Logger:    newTestLogger(),
		Metrics:   metrics,
	})

	// Not started, so the second entry finds the buffer full.
	if !recorder.Record(testInput(0)) {
		t.Fatal("first Record() = false, want true")
	}
	if recorder.Record(testInput(1)) {
		t.Error("second Record() = true, want dropped")
	}

	counter, err := findCounter(metrics.Collectors(), jobs.MetricQueueDroppedTotal, jobs.JobTypeAuditAppend)
	if err != nil {
		t.Fatal(err)
	}
	if counter != 1 {
		t.Errorf("%s{job_type=%q} = %v, want 1", jobs.MetricQueueDroppedTotal, jobs.JobTypeAuditAppend, counter)
	}
}

// findCounter returns the value of the counter series name{job_type=jobType}.
func findCounter(collectors []prometheus.Collector, name, jobType string) (float64, error) {
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return 0, err
		}
	}
	families, err := reg.Gather()
	if err != nil {
		return 0, err
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "job_type" && l.GetValue() == jobType {
					return m.GetCounter().GetValue(), nil
				}
			}
		}
	}
	return 0, fmt.Errorf("series %s{job_type=%q} not found", name, jobType)
}

func TestRecorder_RecordAfterStop(t *testing.T) {
	recorder := NewRecorder(newTestChain(NewInMemoryRepository()), RecorderConfig{Logger: newTestLogger()})
	recorder.Start()
	if err := recorder.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if recorder.Record(testInput(0)) {
		t.Error("Record() after Stop = true, want false")
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/cases/case-1", nil)
	req.RemoteAddr = "192.0.2.1:54321"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "caseguard-test")

	ctx := middleware.SetPrincipalID(req.Context(), "user-42")
	ctx = middleware.SetRequestID(ctx, "req-123")
	req = req.WithContext(ctx)

	in := FromRequest(req, ActionCaseUpdate, "case", "case-1")

	if in.PrincipalID != "user-42" {
		t.Errorf("PrincipalID = %q, want user-42", in.PrincipalID)
	}
	if in.IP != "203.0.113.7" {
		t.Errorf("IP = %q, want 203.0.113.7", in.IP)
	}
	if in.UserAgent != "caseguard-test" {
		t.Errorf("UserAgent = %q, want caseguard-test", in.UserAgent)
	}
	if in.Metadata["request_id"] != "req-123" {
		t.Errorf("request_id = %q, want req-123", in.Metadata["request_id"])
	}
	if err := in.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
