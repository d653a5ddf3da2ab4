package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/caseguard/internal/counter"
)

// RateLimitConfig is a fixed window: RequestsPerWindow requests per key
// every WindowDuration. Both must be positive.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate rejects non-positive limits and windows.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("rate limit: requests per window must be positive, got %d", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("rate limit: window must be positive, got %s", c.WindowDuration)
	}
	return nil
}

// DefaultGlobalLimit is 100 requests per minute per client.
func DefaultGlobalLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
}

// DefaultAuthLimit is 10 requests per minute per client on /auth/*. It sits
// in front of the lockout guard, which counts per identifier instead.
func DefaultAuthLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// RateLimitStore defines the interface for rate limit state storage.
type RateLimitStore interface {
	// Allow checks if a request from the given key should be allowed.
	// remaining is the number of requests left in the current window and
	// retryAfter the number of seconds until the window resets when blocked.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

// rateLimitKeyPrefix namespaces rate limit windows on the shared counter store.
const rateLimitKeyPrefix = "ratelimit:"

// CounterRateLimitStore implements RateLimitStore as a fixed window counter
// on the shared counter store, so every replica sees the same windows.
// It fails open: a store error allows the request.
type CounterRateLimitStore struct {
	store   counter.Store
	metrics *Metrics
}

// NewCounterRateLimitStore creates a rate limit store on top of store.
// metrics may be nil.
func NewCounterRateLimitStore(store counter.Store, metrics *Metrics) *CounterRateLimitStore {
	return &CounterRateLimitStore{store: store, metrics: metrics}
}

// Allow implements RateLimitStore.
func (s *CounterRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	key = rateLimitKeyPrefix + key

	n, err := s.store.Incr(ctx, key, config.WindowDuration)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncRateLimitStoreErrors()
		}
		return true, config.RequestsPerWindow, 0
	}

	limit := int64(config.RequestsPerWindow)
	if n <= limit {
		return true, int(limit - n), 0
	}

	ttl, err := s.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl = config.WindowDuration
	}
	retryAfter := int((ttl + time.Second - 1) / time.Second)
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc returns a KeyFunc that uses the client's IP address.
func IPKeyFunc() KeyFunc {
	return ClientIP
}

// PrincipalKeyFunc returns a KeyFunc that uses the authenticated principal if
// available, falling back to IP address.
func PrincipalKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if id := GetPrincipalID(r.Context()); id != "" {
			return "principal:" + id
		}
		return "ip:" + ClientIP(r)
	}
}

func keyType(key string) string {
	if strings.HasPrefix(key, "principal:") {
		return "principal"
	}
	return "ip"
}

// RateLimiter rejects a key's requests past config with 429 rate_limited
// and Retry-After. Every response carries X-RateLimit-Limit and
// X-RateLimit-Remaining; a 429 also carries X-RateLimit-Reset as a Unix
// timestamp. metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	limit := strconv.Itoa(config.RequestsPerWindow)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			endpoint, kt := normalizePath(r.URL.Path), keyType(key)
			allowed, remaining, retryAfter := store.Allow(r.Context(), key, config)
			if metrics != nil {
				metrics.IncRateLimitRequests(endpoint, kt)
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			if metrics != nil {
				metrics.IncRateLimitBlocked(endpoint, kt)
			}
			h.Set("Retry-After", strconv.Itoa(retryAfter))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(retryAfter)*time.Second).Unix(), 10))
			writeError(w, r, http.StatusTooManyRequests, errCodeRateLimited, "Too many requests")
		})
	}
}
