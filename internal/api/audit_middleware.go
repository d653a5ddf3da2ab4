package api

import (
	"net/http"

	"github.com/onnwee/caseguard/internal/audit"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// AuditMutation records one audit entry after next completes a mutating
// request with a 2xx status. The resource ID is the {id} path value.
// Safe methods and failed requests are not recorded, and the request is
// never held up or failed by the audit write.
func AuditMutation(recorder AuditRecorder, action audit.Action, resourceType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			if status < 200 || status >= 300 {
				return
			}
			recorder.Record(audit.FromRequest(r, action, resourceType, r.PathValue("id")))
		})
	}
}
