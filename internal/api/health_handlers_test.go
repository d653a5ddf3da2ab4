package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// checkerFunc adapts a function to HealthChecker.
type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

var (
	up   = checkerFunc(func(context.Context) error { return nil })
	down = checkerFunc(func(context.Context) error { return errors.New("dial tcp: connection refused") })
)

func serveHealth(t *testing.T, h *HealthHandlers, handler http.HandlerFunc, path string) (int, HealthResponse) {
	t.Helper()
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)) }
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Timestamp != "2026-03-01T11:00:00Z" {
		t.Errorf("timestamp = %q, want UTC RFC 3339", resp.Timestamp)
	}
	return w.Code, resp
}

func TestHealth(t *testing.T) {
	h := NewHealthHandlers(HealthHandlersConfig{DBChecker: down})
	code, resp := serveHealth(t, h, h.Health, "/health")
	if code != http.StatusOK || resp.Status != "healthy" || resp.Checks["runtime"] != checkOK {
		t.Errorf("got %d %+v; liveness must not depend on the database", code, resp)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		db, redis  HealthChecker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name: "all up", db: up, redis: up,
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": checkOK, "redis": checkOK},
		},
		{
			name:       "in-memory backends",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": checkNotConfigured, "redis": checkNotConfigured},
		},
		{
			name: "redis down degrades", db: up, redis: down,
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": checkOK, "redis": checkDegraded},
		},
		{
			name: "database down", db: down, redis: up,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": checkError, "redis": checkOK},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandlers(HealthHandlersConfig{DBChecker: tt.db, RedisChecker: tt.redis})
			code, resp := serveHealth(t, h, h.Ready, "/ready")

			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			wantBody := "healthy"
			if tt.wantStatus != http.StatusOK {
				wantBody = "unhealthy"
			}
			if resp.Status != wantBody {
				t.Errorf("body status = %q, want %q", resp.Status, wantBody)
			}
			for k, want := range tt.wantChecks {
				if resp.Checks[k] != want {
					t.Errorf("checks[%s] = %q, want %q", k, resp.Checks[k], want)
				}
			}
		})
	}
}

func TestReady_ChecksShareDeadline(t *testing.T) {
	var deadlines []time.Time
	record := checkerFunc(func(ctx context.Context) error {
		d, ok := ctx.Deadline()
		if !ok {
			t.Error("check ran without a deadline")
		}
		deadlines = append(deadlines, d)
		return nil
	})

	h := NewHealthHandlers(HealthHandlersConfig{DBChecker: record, RedisChecker: record})
	h.Ready(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ready", nil))

	if len(deadlines) != 2 || !deadlines[0].Equal(deadlines[1]) {
		t.Errorf("deadlines = %v, want one shared deadline", deadlines)
	}
}
