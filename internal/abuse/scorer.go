package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/caseguard/internal/counter"
	"github.com/onnwee/caseguard/internal/geo"
)

// Default scoring policy.
const (
	DefaultSuspiciousThreshold = 50
	DefaultSuspendThreshold    = 100
	DefaultSuspendDuration     = 24 * time.Hour
	DefaultDecayAmount         = 10
	DefaultDecayInterval       = 6 * time.Hour
	DefaultGeoJumpDistanceKm   = 2000.0
	DefaultGeoJumpWindow       = 2 * time.Hour
	DefaultBurstThreshold      = 60
	DefaultBurstWindow         = time.Minute
	DefaultStoreTimeout        = 500 * time.Millisecond
)

// Counter key prefixes on the shared counter store.
const (
	burstKeyPrefix  = "abuse:burst:"
	regionKeyPrefix = "abuse:region:"
)

// suspensionReasonPrefix prefixes the triggering signal in SuspensionReason.
const suspensionReasonPrefix = "abuse_threshold:"

// Config defines the scoring policy.
type Config struct {
	SuspiciousThreshold int
	SuspendThreshold    int
	SuspendDuration     time.Duration
	DecayAmount         int
	DecayInterval       time.Duration
	// A location change farther than GeoJumpDistanceKm within GeoJumpWindow
	// of the previous observation is a geo jump.
	GeoJumpDistanceKm float64
	GeoJumpWindow     time.Duration
	// BurstThreshold requests within BurstWindow emit one burst signal.
	BurstThreshold  int64
	BurstWindow     time.Duration
	StoreTimeout    time.Duration
	SignalRetention time.Duration
}

// DefaultConfig returns the default scoring policy.
func DefaultConfig() Config {
	return Config{
		SuspiciousThreshold: DefaultSuspiciousThreshold,
		SuspendThreshold:    DefaultSuspendThreshold,
		SuspendDuration:     DefaultSuspendDuration,
		DecayAmount:         DefaultDecayAmount,
		DecayInterval:       DefaultDecayInterval,
		GeoJumpDistanceKm:   DefaultGeoJumpDistanceKm,
		GeoJumpWindow:       DefaultGeoJumpWindow,
		BurstThreshold:      DefaultBurstThreshold,
		BurstWindow:         DefaultBurstWindow,
		StoreTimeout:        DefaultStoreTimeout,
		SignalRetention:     DefaultSignalRetention,
	}
}

// Validate checks that the Config has valid values.
func (c Config) Validate() error {
	if c.SuspiciousThreshold <= 0 {
		return fmt.Errorf("SuspiciousThreshold must be > 0 (got %d)", c.SuspiciousThreshold)
	}
	if c.SuspendThreshold < c.SuspiciousThreshold {
		return fmt.Errorf("SuspendThreshold (%d) must be >= SuspiciousThreshold (%d)",
			c.SuspendThreshold, c.SuspiciousThreshold)
	}
	if c.SuspendDuration <= 0 {
		return fmt.Errorf("SuspendDuration must be > 0 (got %s)", c.SuspendDuration)
	}
	if c.DecayAmount < 0 {
		return fmt.Errorf("DecayAmount must be >= 0 (got %d)", c.DecayAmount)
	}
	if c.DecayAmount > 0 && c.DecayInterval <= 0 {
		return fmt.Errorf("DecayInterval must be > 0 when decay is enabled (got %s)", c.DecayInterval)
	}
	if c.GeoJumpDistanceKm <= 0 {
		return fmt.Errorf("GeoJumpDistanceKm must be > 0 (got %v)", c.GeoJumpDistanceKm)
	}
	if c.GeoJumpWindow <= 0 {
		return fmt.Errorf("GeoJumpWindow must be > 0 (got %s)", c.GeoJumpWindow)
	}
	if c.BurstThreshold <= 0 {
		return fmt.Errorf("BurstThreshold must be > 0 (got %d)", c.BurstThreshold)
	}
	if c.BurstWindow <= 0 {
		return fmt.Errorf("BurstWindow must be > 0 (got %s)", c.BurstWindow)
	}
	return nil
}

// RequestSignals are the per-request facts EvaluateRequest inspects.
type RequestSignals struct {
	Geo         *geo.Point // Edge-provided client location, if any
	EdgeRegion  string     // Region of the edge that served the request
	TokenRegion string     // Region bound into the session token
	At          time.Time  // Zero = now
}

// Evaluation is the outcome of EvaluateRequest.
type Evaluation struct {
	Signals        []SignalType
	Profile        *Profile // nil when the profile was not touched
	NewlySuspended bool
}

// Scorer records signals and maintains abuse profiles.
type Scorer struct {
	profiles ProfileStore
	counters counter.Store
	signals  *SignalLog
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// ScorerOption customizes a Scorer.
type ScorerOption func(*Scorer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ScorerOption {
	return func(s *Scorer) { s.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) ScorerOption {
	return func(s *Scorer) { s.metrics = m }
}

// WithSignalLog persists a SignalRecord for every recorded signal.
func WithSignalLog(l *SignalLog) ScorerOption {
	return func(s *Scorer) { s.signals = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ScorerOption {
	return func(s *Scorer) { s.now = now }
}

// NewScorer creates a Scorer. counters backs burst and region-mismatch
// detection and may be shared with the lockout guard.
func NewScorer(profiles ProfileStore, counters counter.Store, cfg Config, opts ...ScorerOption) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.SignalRetention <= 0 {
		cfg.SignalRetention = DefaultSignalRetention
	}

	s := &Scorer{
		profiles: profiles,
		counters: counters,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RecordSignal adds the weight of signal to the principal's score and
// re-evaluates the thresholds.
func (s *Scorer) RecordSignal(ctx context.Context, principalID string, signal SignalType, metadata map[string]string) (*Profile, error) {
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}
	if !signal.Valid() {
		return nil, ErrUnknownSignal
	}

	now := s.now()
	pending := []pendingSignal{{signal: signal, metadata: metadata}}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var suspended bool
	profile, err := s.profiles.Update(ctx, principalID, func(p *Profile) error {
		suspended = s.apply(p, now, pending)
		return nil
	})
	if err != nil {
		return nil, s.storeError(ctx, "record_signal", principalID, err)
	}

	s.emit(principalID, now, pending, suspended, profile)
	return profile, nil
}

// EvaluateRequest inspects one authenticated request for burst activity,
// region mismatch and impossible travel, and records whatever it finds in a
// single profile update. The last known location is updated at most once.
func (s *Scorer) EvaluateRequest(ctx context.Context, principalID string, req RequestSignals) (*Evaluation, error) {
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}

	now := req.At
	if now.IsZero() {
		now = s.now()
	}
	if req.Geo != nil && req.Geo.Validate() != nil {
		s.logger.DebugContext(ctx, "ignoring invalid request location",
			slog.String("principal_id", principalID))
		req.Geo = nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var (
		pending  []pendingSignal
		firstErr error
	)

	n, err := s.counters.Incr(ctx, burstKeyPrefix+principalID, s.cfg.BurstWindow)
	switch {
	case err != nil:
		firstErr = s.storeError(ctx, "burst", principalID, err)
	case n == s.cfg.BurstThreshold:
		pending = append(pending, pendingSignal{
			signal:   SignalBurstActivity,
			metadata: map[string]string{"requests": strconv.FormatInt(n, 10), "window": s.cfg.BurstWindow.String()},
		})
	}

	if mismatch, err := s.regionMismatch(ctx, principalID, req); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else if mismatch {
		pending = append(pending, pendingSignal{
			signal:   SignalRegionMismatch,
			metadata: map[string]string{"edge_region": req.EdgeRegion, "token_region": req.TokenRegion},
		})
	}

	if len(pending) == 0 && req.Geo == nil {
		return &Evaluation{}, firstErr
	}

	var (
		applied   []pendingSignal
		suspended bool
	)
	profile, err := s.profiles.Update(ctx, principalID, func(p *Profile) error {
		// Rebuilt on every call: a store may run fn again after a conflict.
		applied = pending[:len(pending):len(pending)]
		if req.Geo != nil {
			if jump, ok := s.geoJump(p, *req.Geo, now); ok {
				applied = append(applied, jump)
			}
			loc := *req.Geo
			p.LastKnownGeo = &loc
			p.LastGeoAt = now
		}
		suspended = s.apply(p, now, applied)
		return nil
	})
	if err != nil {
		return nil, s.storeError(ctx, "evaluate", principalID, err)
	}

	s.emit(principalID, now, applied, suspended, profile)

	eval := &Evaluation{Profile: profile, NewlySuspended: suspended}
	for _, p := range applied {
		eval.Signals = append(eval.Signals, p.signal)
	}
	return eval, firstErr
}

// regionMismatch reports a mismatch between the token's region and the
// serving edge at most once per GeoJumpWindow for each edge region, so a
// principal travelling once is not penalized on every request.
func (s *Scorer) regionMismatch(ctx context.Context, principalID string, req RequestSignals) (bool, error) {
	edge := strings.ToLower(strings.TrimSpace(req.EdgeRegion))
	token := strings.ToLower(strings.TrimSpace(req.TokenRegion))
	if edge == "" || token == "" || edge == token {
		return false, nil
	}

	n, err := s.counters.Incr(ctx, regionKeyPrefix+principalID+":"+edge, s.cfg.GeoJumpWindow)
	if err != nil {
		return false, s.storeError(ctx, "region", principalID, err)
	}
	return n == 1, nil
}

// geoJump compares loc against the last known location.
func (s *Scorer) geoJump(p *Profile, loc geo.Point, now time.Time) (pendingSignal, bool) {
	if p.LastKnownGeo == nil || p.LastGeoAt.IsZero() {
		return pendingSignal{}, false
	}
	elapsed := now.Sub(p.LastGeoAt)
	if elapsed >= s.cfg.GeoJumpWindow {
		return pendingSignal{}, false
	}
	distance := geo.Haversine(*p.LastKnownGeo, loc)
	if distance <= s.cfg.GeoJumpDistanceKm {
		return pendingSignal{}, false
	}
	return pendingSignal{
		signal: SignalGeoJump,
		metadata: map[string]string{
			"distance_km": strconv.FormatFloat(distance, 'f', 0, 64),
			"elapsed":     elapsed.Round(time.Second).String(),
			"from":        p.LastKnownGeo.Label(),
			"to":          loc.Label(),
		},
	}, true
}

type pendingSignal struct {
	signal   SignalType
	metadata map[string]string
}

// apply decays p, adds the weight of each signal and evaluates the
// thresholds. It reports whether a new suspension window was opened.
func (s *Scorer) apply(p *Profile, now time.Time, signals []pendingSignal) bool {
	p.decay(now, s.cfg.DecayAmount, s.cfg.DecayInterval)
	if len(signals) == 0 {
		return false
	}

	for _, sig := range signals {
		p.AbuseScore += sig.signal.Weight()
	}
	p.LastSignalAt = now
	p.DecayCheckpoint = now

	if p.AbuseScore >= s.cfg.SuspiciousThreshold {
		p.IsSuspicious = true
	}
	if p.AbuseScore >= s.cfg.SuspendThreshold && !p.SuspendedAt(now) {
		until := now.Add(s.cfg.SuspendDuration)
		p.SuspendedUntil = &until
		p.SuspensionReason = suspensionReasonPrefix + string(signals[len(signals)-1].signal)
		return true
	}
	return false
}

// emit publishes metrics, logs and signal records after a committed update.
func (s *Scorer) emit(principalID string, now time.Time, signals []pendingSignal, suspended bool, profile *Profile) {
	for _, sig := range signals {
		if s.metrics != nil {
			s.metrics.IncSignals(sig.signal)
		}
		if s.signals != nil {
			s.signals.Record(SignalRecord{
				ID:          uuid.New().String(),
				PrincipalID: principalID,
				SignalType:  sig.signal,
				ScoreImpact: sig.signal.Weight(),
				Metadata:    sig.metadata,
				Timestamp:   now,
				ExpiresAt:   now.Add(s.cfg.SignalRetention),
			})
		}
	}
	if suspended {
		if s.metrics != nil {
			s.metrics.IncSuspensions()
		}
		s.logger.Warn("principal suspended by abuse score",
			slog.String("principal_id", principalID),
			slog.Int("abuse_score", profile.AbuseScore),
			slog.String("reason", profile.SuspensionReason),
			slog.Time("suspended_until", *profile.SuspendedUntil))
	}
}

// Suspension reports whether principalID is currently suspended and until when.
func (s *Scorer) Suspension(ctx context.Context, principalID string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	p, err := s.profiles.Get(ctx, principalID)
	if err != nil {
		return time.Time{}, false, s.storeError(ctx, "suspension", principalID, err)
	}
	if !p.SuspendedAt(s.now()) {
		return time.Time{}, false, nil
	}
	return *p.SuspendedUntil, true, nil
}

// Profile returns the principal's profile with decay applied as of now.
// Nothing is written.
func (s *Scorer) Profile(ctx context.Context, principalID string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	p, err := s.profiles.Get(ctx, principalID)
	if err != nil {
		return nil, s.storeError(ctx, "get", principalID, err)
	}
	p.decay(s.now(), s.cfg.DecayAmount, s.cfg.DecayInterval)
	return p, nil
}

// Unsuspend is the manual override: it lifts any suspension, resets the
// score and clears the sticky suspicious flag.
func (s *Scorer) Unsuspend(ctx context.Context, principalID string) (*Profile, error) {
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	profile, err := s.profiles.Update(ctx, principalID, func(p *Profile) error {
		p.AbuseScore = 0
		p.IsSuspicious = false
		p.SuspendedUntil = nil
		p.SuspensionReason = ""
		p.DecayCheckpoint = time.Time{}
		return nil
	})
	if err != nil {
		return nil, s.storeError(ctx, "unsuspend", principalID, err)
	}

	s.logger.Info("principal unsuspended", slog.String("principal_id", principalID))
	return profile, nil
}

func (s *Scorer) storeError(ctx context.Context, op, principalID string, err error) error {
	s.logger.WarnContext(ctx, "abuse scoring store call failed",
		slog.String("op", op),
		slog.String("principal_id", principalID),
		slog.String("error", err.Error()))
	if s.metrics != nil {
		s.metrics.IncStoreErrors(op)
	}
	return fmt.Errorf("%w: %s: %v", ErrScoringUnavailable, op, err)
}
