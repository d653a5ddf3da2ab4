package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are the routes without path parameters.
var staticRoutes = map[string]bool{
	"/":                    true,
	"/auth/login":          true,
	"/auth/refresh":        true,
	"/admin/audit/verify":  true,
	"/admin/audit/entries": true,
	"/admin/audit/export":  true,
	"/admin/keys":          true,
	"/health":              true,
	"/ready":               true,
	"/metrics":             true,
}

// normalizePath maps a request path to its route pattern so principal IDs and
// lockout identifiers never become metric labels or span names. Unknown paths
// are returned unchanged.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(path, "/")
	if len(parts) != 5 || parts[1] != "admin" || parts[3] == "" {
		return path
	}
	switch {
	case parts[2] == "principals" && (parts[4] == "unsuspend" || parts[4] == "profile"):
		return "/admin/principals/{id}/" + parts[4]
	case parts[2] == "lockouts" && parts[4] == "clear":
		return "/admin/lockouts/{id}/clear"
	}
	return path
}

// skipMetrics are health check paths hit every few seconds by orchestrators.
func skipMetrics(path string) bool {
	return path == "/health" || path == "/ready"
}

// HTTPMetrics records request count, duration and sizes per method, route
// pattern and status. Health checks are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipMetrics(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(sw.status),
				time.Since(start).Seconds(),
				requestSize,
				sw.size,
			)
		})
	}
}
