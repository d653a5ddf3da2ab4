package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/caseguard/internal/audit"
	"github.com/onnwee/caseguard/internal/auth"
	"github.com/onnwee/caseguard/internal/gate"
	"github.com/onnwee/caseguard/internal/lockout"
	"github.com/onnwee/caseguard/internal/middleware"
	"github.com/onnwee/caseguard/internal/validate"
)

// maxAuthBodyBytes bounds login and refresh request bodies.
const maxAuthBodyBytes = 8 << 10

// AuditRecorder queues audit entries without blocking the request.
type AuditRecorder interface {
	Record(in audit.Input) bool
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is returned by POST /auth/refresh.
type RefreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// AuthHandlers holds dependencies for the sign-in endpoints.
type AuthHandlers struct {
	authn    *gate.Authenticator
	recorder AuditRecorder
	logger   *slog.Logger
}

// NewAuthHandlers creates a new AuthHandlers instance.
func NewAuthHandlers(authn *gate.Authenticator, recorder AuditRecorder, logger *slog.Logger) *AuthHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandlers{authn: authn, recorder: recorder, logger: logger}
}

// Login handles POST /auth/login.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}
	identifier, err := validate.Identifier(req.Identifier)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "identifier: "+err.Error())
		return
	}
	secret, err := validate.Secret(req.Secret)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "secret: "+err.Error())
		return
	}

	result, err := h.authn.Login(r.Context(), gate.LoginAttempt{
		Identifier: identifier,
		Secret:     secret,
		Signals:    middleware.RequestSignals(r),
	})
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	ctx := middleware.SetPrincipalID(r.Context(), result.PrincipalID)
	if h.recorder != nil {
		in := audit.FromRequest(r.WithContext(ctx), audit.ActionUserLogin, "principal", result.PrincipalID)
		h.recorder.Record(in)
	}

	writeJSON(w, r, http.StatusOK, result)
}

// Refresh handles POST /auth/refresh.
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return
	}
	if req.RefreshToken == "" {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "refresh_token is required")
		return
	}

	access, err := h.authn.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, RefreshResponse{
		AccessToken: access,
		ExpiresIn:   int(auth.AccessTokenExpiry / time.Second),
		TokenType:   "Bearer",
	})
}

// writeAuthError maps pipeline errors onto responses. Invalid credentials
// are always reported the same way, whatever check failed.
func (h *AuthHandlers) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *lockout.LockedError
	var suspended *gate.SuspendedError

	switch {
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", strconv.Itoa(locked.RetryAfterSeconds()))
		WriteError(w, r.Context(), http.StatusLocked, ErrCodeAccountLocked, "Too many failed attempts")
	case errors.As(err, &suspended):
		w.Header().Set("Retry-After", strconv.Itoa(secondsUntil(suspended.Until)))
		WriteError(w, r.Context(), http.StatusForbidden, ErrCodeSuspended, "Account suspended")
	case errors.Is(err, gate.ErrInvalidCredentials):
		WriteError(w, r.Context(), http.StatusUnauthorized, ErrCodeInvalidCredentials, "Invalid credentials")
	default:
		h.logger.ErrorContext(r.Context(), "authentication failed", "error", err)
		WriteError(w, r.Context(), http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}

// secondsUntil returns the whole seconds until t, at least 1.
func secondsUntil(t time.Time) int {
	secs := int(math.Ceil(time.Until(t).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}
