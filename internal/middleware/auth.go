package middleware

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/caseguard/internal/abuse"
	"github.com/onnwee/caseguard/internal/gate"
	"github.com/onnwee/caseguard/internal/geo"
	"github.com/onnwee/caseguard/internal/lockout"
)

// Edge-provided request headers.
const (
	GeoLatHeader     = "X-Geo-Lat"
	GeoLonHeader     = "X-Geo-Lon"
	EdgeRegionHeader = "X-Edge-Region"
)

// principalKey is the context key for the authenticated principal.
type principalKey struct{}

// Authenticator verifies a bearer token. *gate.Authenticator implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string, signals abuse.RequestSignals) (*gate.Principal, error)
}

// GetPrincipal returns the authenticated principal, or nil.
func GetPrincipal(ctx context.Context) *gate.Principal {
	p, _ := ctx.Value(principalKey{}).(*gate.Principal)
	return p
}

// RequestSignals extracts the edge-provided abuse signals from r. A location
// is only returned when both coordinates parse.
func RequestSignals(r *http.Request) abuse.RequestSignals {
	signals := abuse.RequestSignals{
		EdgeRegion: strings.TrimSpace(r.Header.Get(EdgeRegionHeader)),
	}

	lat, latErr := strconv.ParseFloat(strings.TrimSpace(r.Header.Get(GeoLatHeader)), 64)
	lon, lonErr := strconv.ParseFloat(strings.TrimSpace(r.Header.Get(GeoLonHeader)), 64)
	if latErr == nil && lonErr == nil {
		signals.Geo = &geo.Point{Lat: lat, Lon: lon}
	}
	return signals
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// RequireAuth authenticates the bearer token of every request. Rejections
// never say which check failed beyond invalid credentials, lock or suspension.
func RequireAuth(authn Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, r, http.StatusUnauthorized, errCodeAuthFailed, "Authentication required")
				return
			}

			principal, err := authn.Authenticate(r.Context(), token, RequestSignals(r))
			if err != nil {
				var locked *lockout.LockedError
				if errors.As(err, &locked) {
					w.Header().Set("Retry-After", strconv.Itoa(locked.RetryAfterSeconds()))
					writeError(w, r, http.StatusLocked, errCodeAccountLocked, "Too many failed attempts")
					return
				}
				var suspended *gate.SuspendedError
				if errors.As(err, &suspended) {
					w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(time.Until(suspended.Until))))
					writeError(w, r, http.StatusForbidden, errCodeSuspended, "Account suspended")
					return
				}
				logger.DebugContext(r.Context(), "authentication rejected", slog.String("error", err.Error()))
				writeError(w, r, http.StatusUnauthorized, errCodeInvalidCredentials, "Invalid credentials")
				return
			}

			ctx := SetPrincipalID(r.Context(), principal.ID)
			ctx = context.WithValue(ctx, principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin allows only the given principal IDs. It must run after RequireAuth.
func RequireAdmin(adminSubjects []string) func(http.Handler) http.Handler {
	admins := make(map[string]struct{}, len(adminSubjects))
	for _, s := range adminSubjects {
		if s = strings.TrimSpace(s); s != "" {
			admins[s] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := GetPrincipalID(r.Context())
			if id == "" {
				writeError(w, r, http.StatusUnauthorized, errCodeAuthFailed, "Authentication required")
				return
			}
			if _, ok := admins[id]; !ok {
				writeError(w, r, http.StatusForbidden, errCodeForbidden, "Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds d up to whole seconds, at least 1.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
