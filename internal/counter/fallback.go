package counter

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout bounds every call to the primary store.
const DefaultTimeout = 250 * time.Millisecond

// FallbackStore serves calls from a primary (shared) store and falls back to a
// secondary in-process store when the primary errors or times out.
//
// While degraded, state is local to the instance: lock and score decisions on
// different instances may disagree until the primary recovers.
type FallbackStore struct {
	primary  Store
	fallback Store
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics
}

// FallbackConfig configures a FallbackStore.
type FallbackConfig struct {
	Timeout time.Duration // Bound for each primary call (default DefaultTimeout)
	Logger  *slog.Logger
	Metrics *Metrics // Optional
}

// NewFallbackStore creates a store that prefers primary and degrades to fallback.
func NewFallbackStore(primary, fallback Store, cfg FallbackConfig) *FallbackStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FallbackStore{
		primary:  primary,
		fallback: fallback,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

func (s *FallbackStore) degraded(ctx context.Context, op, key string, err error) {
	s.logger.WarnContext(ctx, "shared counter store unavailable, using in-process fallback",
		"op", op,
		"key", key,
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.IncFallback(op)
	}
}

// unavailable wraps the errors of both backends in ErrUnavailable.
func unavailable(primaryErr, fallbackErr error) error {
	return fmt.Errorf("%w: primary: %v; fallback: %v", ErrUnavailable, primaryErr, fallbackErr)
}

// Incr increments key on the primary store, or the fallback when degraded.
func (s *FallbackStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.primary.Incr(pctx, key, window)
	if err == nil {
		return n, nil
	}
	s.degraded(ctx, "incr", key, err)
	n, fbErr := s.fallback.Incr(ctx, key, window)
	if fbErr != nil {
		return 0, unavailable(err, fbErr)
	}
	return n, nil
}

// Get reads key from the primary store, or the fallback when degraded.
func (s *FallbackStore) Get(ctx context.Context, key string) (string, bool, error) {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	val, ok, err := s.primary.Get(pctx, key)
	if err == nil {
		return val, ok, nil
	}
	s.degraded(ctx, "get", key, err)
	val, ok, fbErr := s.fallback.Get(ctx, key)
	if fbErr != nil {
		return "", false, unavailable(err, fbErr)
	}
	return val, ok, nil
}

// Set writes key to the primary store, or the fallback when degraded.
func (s *FallbackStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.primary.Set(pctx, key, value, ttl)
	if err == nil {
		return nil
	}
	s.degraded(ctx, "set", key, err)
	if fbErr := s.fallback.Set(ctx, key, value, ttl); fbErr != nil {
		return unavailable(err, fbErr)
	}
	return nil
}

// Del removes keys from both stores so a recovered primary and a stale
// fallback never resurrect cleared state.
func (s *FallbackStore) Del(ctx context.Context, keys ...string) error {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.primary.Del(pctx, keys...)
	if fbErr := s.fallback.Del(ctx, keys...); fbErr != nil && err != nil {
		return unavailable(err, fbErr)
	}
	if err != nil {
		s.degraded(ctx, "del", "", err)
	}
	return nil
}

// TTL reads the remaining time-to-live from the primary store, or the fallback.
func (s *FallbackStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d, err := s.primary.TTL(pctx, key)
	if err == nil {
		return d, nil
	}
	s.degraded(ctx, "ttl", key, err)
	d, fbErr := s.fallback.TTL(ctx, key)
	if fbErr != nil {
		return 0, unavailable(err, fbErr)
	}
	return d, nil
}
