package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/caseguard/internal/audit"
	"github.com/onnwee/caseguard/internal/middleware"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Auth          *AuthHandlers
	Admin         *AdminHandlers
	Health        *HealthHandlers
	Authn         middleware.Authenticator
	Recorder      AuditRecorder
	AdminSubjects []string

	// AuthRateLimit wraps the unauthenticated sign-in endpoints. Optional.
	AuthRateLimit func(http.Handler) http.Handler
	// Metrics serves GET /metrics. Optional.
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewRouter registers every route on a new ServeMux.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()

	limit := cfg.AuthRateLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /auth/login", limit(http.HandlerFunc(cfg.Auth.Login)))
	mux.Handle("POST /auth/refresh", limit(http.HandlerFunc(cfg.Auth.Refresh)))

	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireAuth(cfg.Authn, cfg.Logger)(
			middleware.RequireAdmin(cfg.AdminSubjects)(h),
		)
	}
	audited := func(action audit.Action, resourceType string, h http.HandlerFunc) http.Handler {
		return admin(AuditMutation(cfg.Recorder, action, resourceType)(h).ServeHTTP)
	}

	mux.Handle("GET /admin/audit/verify", admin(cfg.Admin.VerifyChain))
	mux.Handle("GET /admin/audit/entries", admin(cfg.Admin.ListEntries))
	mux.Handle("GET /admin/audit/export", admin(cfg.Admin.ExportEntries))
	mux.Handle("GET /admin/keys", admin(cfg.Admin.ListKeys))
	mux.Handle("GET /admin/principals/{id}/profile", admin(cfg.Admin.GetProfile))
	mux.Handle("POST /admin/principals/{id}/unsuspend",
		audited(audit.ActionUnsuspend, "principal", cfg.Admin.Unsuspend))
	mux.Handle("POST /admin/lockouts/{id}/clear",
		audited(audit.ActionLockoutClear, "lockout", cfg.Admin.ClearLockout))

	if cfg.Health != nil {
		mux.HandleFunc("GET /health", cfg.Health.Health)
		mux.HandleFunc("GET /ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"service": "caseguard-api"})
	})

	return mux
}
