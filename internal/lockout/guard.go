// Package lockout implements the distributed login lockout guard.
//
// Failed attempts per identifier accumulate in a counter on the shared
// counter store whose window is anchored to the first failure. Reaching the
// threshold sets a lock marker for a fixed duration and resets the counter.
// A present lock marker rejects authentication regardless of the counter and
// regardless of whether the presented credential is correct. When the
// failures belong to a known principal the lock also covers that principal,
// so tokens issued before the lock are rejected as well.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/caseguard/internal/counter"
)

// Default lockout settings.
const (
	DefaultMaxFailures   = 5
	DefaultFailureWindow = 15 * time.Minute
	DefaultLockDuration  = 15 * time.Minute
	DefaultStoreTimeout  = 500 * time.Millisecond
)

// Key prefixes on the shared counter store.
const (
	failureKeyPrefix       = "lockout:fail:"
	lockKeyPrefix          = "lockout:lock:"
	principalLockKeyPrefix = "lockout:principal:"
)

// ErrEmptyIdentifier is returned when an empty identifier is supplied.
var ErrEmptyIdentifier = errors.New("lockout identifier cannot be empty")

// ErrAccountLocked is matched by every *LockedError.
var ErrAccountLocked = errors.New("account locked")

// LockedError reports a locked identifier and when to retry.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrAccountLocked) succeed.
func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, at least 1.
func (e *LockedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Config defines the lockout policy.
type Config struct {
	// MaxFailures is the number of failures within FailureWindow that locks
	// the identifier. Must be > 0.
	MaxFailures int
	// FailureWindow is the failure counter lifetime, anchored to the first failure.
	FailureWindow time.Duration
	// LockDuration is how long a lock lasts.
	LockDuration time.Duration
	// StoreTimeout bounds every call to the counter store.
	StoreTimeout time.Duration
}

// DefaultConfig returns the default lockout policy.
func DefaultConfig() Config {
	return Config{
		MaxFailures:   DefaultMaxFailures,
		FailureWindow: DefaultFailureWindow,
		LockDuration:  DefaultLockDuration,
		StoreTimeout:  DefaultStoreTimeout,
	}
}

// Validate checks that the Config has valid values.
func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return fmt.Errorf("MaxFailures must be > 0 (got %d)", c.MaxFailures)
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("FailureWindow must be > 0 (got %s)", c.FailureWindow)
	}
	if c.LockDuration <= 0 {
		return fmt.Errorf("LockDuration must be > 0 (got %s)", c.LockDuration)
	}
	return nil
}

// Status is the lock state of an identifier.
type Status struct {
	Locked     bool
	RetryAfter time.Duration
}

// Err returns a *LockedError when the status is locked, nil otherwise.
func (s Status) Err() error {
	if !s.Locked {
		return nil
	}
	return &LockedError{RetryAfter: s.RetryAfter}
}

// Guard tracks failed authentication attempts and locks identifiers.
// Guard holds no per-identifier state; everything lives in the counter store.
type Guard struct {
	store   counter.Store
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a lockout guard on top of store.
func NewGuard(store counter.Store, cfg Config, opts ...GuardOption) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}

	g := &Guard{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NormalizeIdentifier trims and lowercases an identifier so "Bob@x.io" and
// " bob@x.io" share one counter.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func failureKey(id string) string { return failureKeyPrefix + id }
func lockKey(id string) string    { return lockKeyPrefix + id }

func principalLockKey(principalID string) string { return principalLockKeyPrefix + principalID }

// lockMarker is the value stored under a lock key: the lock expiry in unix
// seconds, followed by ":<principal id>" when the lock covers a principal.
func lockMarker(until time.Time, principalID string) string {
	v := strconv.FormatInt(until.Unix(), 10)
	if principalID != "" {
		v += ":" + principalID
	}
	return v
}

func parseLockMarker(v string) (until int64, principalID string, ok bool) {
	head, principalID, _ := strings.Cut(v, ":")
	until, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return until, principalID, true
}

// Check reports whether identifier is locked. It is the pre-check run before
// any credential verification.
//
// When the counter store cannot be reached the identifier is reported as
// unlocked: availability of sign-in is preferred over enforcing a lock that
// cannot be read.
func (g *Guard) Check(ctx context.Context, identifier string) Status {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return Status{}
	}
	return g.status(ctx, lockKey(id), "identifier", id)
}

// CheckPrincipal reports whether principalID is covered by an active lock.
// It is checked for every token presented by the principal. Store errors
// are absorbed like in Check.
func (g *Guard) CheckPrincipal(ctx context.Context, principalID string) Status {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Status{}
	}
	return g.status(ctx, principalLockKey(principalID), "principal_id", principalID)
}

func (g *Guard) status(ctx context.Context, key, field, id string) Status {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()

	val, ok, err := g.store.Get(ctx, key)
	if err != nil {
		g.logger.WarnContext(ctx, "lockout check failed, treating as unlocked",
			field, id,
			"error", err,
		)
		if g.metrics != nil {
			g.metrics.IncStoreErrors("check")
		}
		return Status{}
	}
	if !ok {
		return Status{}
	}

	status := Status{Locked: true, RetryAfter: time.Second}
	if until, _, parsed := parseLockMarker(val); parsed {
		if remaining := time.Unix(until, 0).Sub(g.now()); remaining > status.RetryAfter {
			status.RetryAfter = remaining
		}
	} else if ttl, terr := g.store.TTL(ctx, key); terr == nil && ttl > status.RetryAfter {
		status.RetryAfter = ttl
	}

	if g.metrics != nil {
		g.metrics.IncRejections()
	}
	return status
}

// RecordFailure atomically counts a failed attempt and returns the current
// count. The failure that brings the count exactly to MaxFailures sets the
// lock and resets the counter; concurrent failures past the threshold do not
// lock again.
func (g *Guard) RecordFailure(ctx context.Context, identifier string) (int64, error) {
	return g.RecordPrincipalFailure(ctx, identifier, "")
}

// RecordPrincipalFailure is RecordFailure for an identifier that resolved to
// a known principal. A lock set by this failure also covers principalID.
func (g *Guard) RecordPrincipalFailure(ctx context.Context, identifier, principalID string) (int64, error) {
	id := NormalizeIdentifier(identifier)
	principalID = strings.TrimSpace(principalID)
	if id == "" {
		return 0, ErrEmptyIdentifier
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()

	count, err := g.store.Incr(ctx, failureKey(id), g.cfg.FailureWindow)
	if err != nil {
		if g.metrics != nil {
			g.metrics.IncStoreErrors("record_failure")
		}
		return 0, fmt.Errorf("record failure: %w", err)
	}
	if g.metrics != nil {
		g.metrics.IncFailures()
	}

	if count == int64(g.cfg.MaxFailures) {
		if err := g.lock(ctx, id, principalID); err != nil {
			return count, err
		}
	}
	return count, nil
}

// lock sets the lock markers and resets the failure counter. Setting a
// marker twice is harmless since it is keyed by identifier.
func (g *Guard) lock(ctx context.Context, id, principalID string) error {
	until := g.now().Add(g.cfg.LockDuration)
	if principalID != "" {
		if err := g.store.Set(ctx, principalLockKey(principalID), lockMarker(until, ""), g.cfg.LockDuration); err != nil {
			if g.metrics != nil {
				g.metrics.IncStoreErrors("lock")
			}
			return fmt.Errorf("set principal lock: %w", err)
		}
	}
	if err := g.store.Set(ctx, lockKey(id), lockMarker(until, principalID), g.cfg.LockDuration); err != nil {
		if g.metrics != nil {
			g.metrics.IncStoreErrors("lock")
		}
		return fmt.Errorf("set lock: %w", err)
	}
	if err := g.store.Del(ctx, failureKey(id)); err != nil {
		g.logger.WarnContext(ctx, "failed to reset failure counter after lock",
			"identifier", id,
			"error", err,
		)
	}

	g.logger.InfoContext(ctx, "identifier locked",
		"identifier", id,
		"principal_id", principalID,
		"lock_duration", g.cfg.LockDuration,
	)
	if g.metrics != nil {
		g.metrics.IncLocks()
	}
	return nil
}

// Clear removes the failure counter after a successful authentication.
func (g *Guard) Clear(ctx context.Context, identifier string) error {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return ErrEmptyIdentifier
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()

	if err := g.store.Del(ctx, failureKey(id)); err != nil {
		return fmt.Errorf("clear failures: %w", err)
	}
	return nil
}

// Unlock removes the lock marker, the failure counter and the lock of the
// principal the marker covers. It is an administrative override.
func (g *Guard) Unlock(ctx context.Context, identifier string) error {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return ErrEmptyIdentifier
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()

	keys := []string{lockKey(id), failureKey(id)}
	val, ok, err := g.store.Get(ctx, lockKey(id))
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	if ok {
		if _, principalID, parsed := parseLockMarker(val); parsed && principalID != "" {
			keys = append(keys, principalLockKey(principalID))
		}
	}
	if err := g.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	g.logger.InfoContext(ctx, "identifier unlocked", "identifier", id)
	return nil
}
