// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

type principalIDKey struct{}

type errorCodeKey struct{}

type logFieldsKey struct{}

// logFields carries values set by inner handlers on derived contexts back out
// to Logging, which only holds the outer request.
type logFields struct {
	mu          sync.Mutex
	principalID string
	errorCode   string
}

func fieldsFrom(ctx context.Context) *logFields {
	f, _ := ctx.Value(logFieldsKey{}).(*logFields)
	return f
}

// SetPrincipalID stores the authenticated principal ID in the context and
// reports it to the enclosing Logging middleware.
func SetPrincipalID(ctx context.Context, principalID string) context.Context {
	if f := fieldsFrom(ctx); f != nil {
		f.mu.Lock()
		f.principalID = principalID
		f.mu.Unlock()
	}
	return context.WithValue(ctx, principalIDKey{}, principalID)
}

// GetPrincipalID returns the principal ID set on ctx or reported to the
// enclosing Logging middleware, or "".
func GetPrincipalID(ctx context.Context) string {
	if id, ok := ctx.Value(principalIDKey{}).(string); ok {
		return id
	}
	if f := fieldsFrom(ctx); f != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.principalID
	}
	return ""
}

// SetErrorCode records the error envelope code of the response.
func SetErrorCode(ctx context.Context, code string) context.Context {
	if f := fieldsFrom(ctx); f != nil {
		f.mu.Lock()
		f.errorCode = code
		f.mu.Unlock()
	}
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode returns the recorded error code, or "".
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	if f := fieldsFrom(ctx); f != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.errorCode
	}
	return ""
}

// NewLogger returns a JSON logger at info level for production and a text
// logger at debug level otherwise.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// statusLevel maps a response status to the level of its access log line.
func statusLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Logging writes one "request completed" line per request with method, path,
// status, latency_ms, size and, when known, request_id, principal_id and
// error_code. Secrets and tokens are never logged.
//
// A panicking handler produces no line; recovery belongs outside Logging.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := newStatusWriter(w)
			fields := &logFields{}
			r = r.WithContext(context.WithValue(r.Context(), logFieldsKey{}, fields))

			next.ServeHTTP(sw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int64("size", sw.size),
			}
			if id := GetRequestID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if id := GetPrincipalID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("principal_id", id))
			}
			if sw.status >= 400 {
				if code := GetErrorCode(r.Context()); code != "" {
					attrs = append(attrs, slog.String("error_code", code))
				}
			}
			logger.LogAttrs(r.Context(), statusLevel(sw.status), "request completed", attrs...)
		})
	}
}
