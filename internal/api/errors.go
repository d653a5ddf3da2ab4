// Package api provides the HTTP handlers of the caseguard service: login,
// the administrative audit and abuse endpoints, and health checks.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/caseguard/internal/middleware"
)

// Error codes of the handlers. Rate limiting, CORS and bearer auth
// rejections are written by the middleware with the same envelope.
const (
	ErrCodeValidation = "validation_error"
	ErrCodeBadRequest = "bad_request"
	ErrCodeNotFound   = "not_found"
	ErrCodeForbidden  = "forbidden"
	ErrCodeInternal   = "internal_error"

	// ErrCodeInvalidCredentials is the single, generic authentication failure.
	// It never says which key or check failed.
	ErrCodeInvalidCredentials = "invalid_credentials"
	// ErrCodeAccountLocked comes with Retry-After.
	ErrCodeAccountLocked = "account_locked"
	// ErrCodeSuspended comes with Retry-After.
	ErrCodeSuspended = "suspended"
	// ErrCodeUnavailable means a backing store could not be reached.
	ErrCodeUnavailable = "unavailable"
)

// ErrorResponse is the error envelope: {"error": {"code": "...", "message": "..."}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the error envelope with status and records code for the
// access log.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}
