package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// readyTimeout bounds all dependency checks of one /ready request.
const readyTimeout = 5 * time.Second

// Check results reported under "checks".
const (
	checkOK            = "ok"
	checkError         = "error"
	checkDegraded      = "degraded"
	checkNotConfigured = "not_configured"
)

// HealthChecker is a dependency that /ready pings.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlersConfig names the dependencies /ready checks. Both are
// optional; an unset checker means the in-memory backend is in use.
type HealthHandlersConfig struct {
	// DBChecker guards the audit and abuse repositories. Its failure makes
	// the instance unready.
	DBChecker HealthChecker
	// RedisChecker guards the shared counter store. Its failure only
	// degrades lockout, scoring and rate limits to per-instance counters.
	RedisChecker HealthChecker
}

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	cfg HealthHandlersConfig
	now func() time.Time
}

// NewHealthHandlers creates the health endpoints.
func NewHealthHandlers(cfg HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{cfg: cfg, now: time.Now}
}

// HealthResponse is the body of /health and /ready.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health. Answering at all is the liveness signal.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, http.StatusOK, map[string]string{"runtime": checkOK})
}

// Ready handles GET /ready: 503 when Postgres is unreachable, 200 otherwise.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := map[string]string{
		"database": h.check(ctx, "database", h.cfg.DBChecker, checkError),
		"redis":    h.check(ctx, "redis", h.cfg.RedisChecker, checkDegraded),
	}

	status := http.StatusOK
	if checks["database"] == checkError {
		status = http.StatusServiceUnavailable
	}
	h.write(w, r, status, checks)
}

// check runs c and returns onFailure when it errors.
func (h *HealthHandlers) check(ctx context.Context, name string, c HealthChecker, onFailure string) string {
	if c == nil {
		return checkNotConfigured
	}
	if err := c.HealthCheck(ctx); err != nil {
		slog.WarnContext(ctx, "dependency check failed",
			slog.String("dependency", name),
			slog.String("result", onFailure),
			slog.String("error", err.Error()))
		return onFailure
	}
	return checkOK
}

func (h *HealthHandlers) write(w http.ResponseWriter, r *http.Request, status int, checks map[string]string) {
	resp := HealthResponse{
		Status:    "healthy",
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		resp.Status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode health response", slog.String("error", err.Error()))
	}
}
