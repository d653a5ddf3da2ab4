// Package abuse implements the adaptive abuse scorer.
//
// Each principal carries a Profile with a running score. Signals add a fixed
// weight, whole elapsed decay intervals subtract a fixed amount, and crossing
// the configured thresholds marks the principal suspicious (sticky) or
// suspends it for a bounded window. Profiles are updated with an atomic
// read-modify-write against the store; no score is cached in process memory.
package abuse

import (
	"errors"
	"strings"
)

// SignalType is the closed set of abuse signals.
type SignalType string

// Known signal types.
const (
	SignalFailedLogin    SignalType = "failed_login"
	SignalGeoJump        SignalType = "geo_jump"
	SignalRegionMismatch SignalType = "region_mismatch"
	SignalBurstActivity  SignalType = "burst_activity"
)

var (
	// ErrUnknownSignal is returned for a signal type outside the known set.
	ErrUnknownSignal = errors.New("unknown abuse signal type")
	// ErrEmptyPrincipal is returned when no principal ID is supplied.
	ErrEmptyPrincipal = errors.New("principal ID cannot be empty")
	// ErrScoringUnavailable wraps every store failure. Callers log it and
	// carry on as if no signal had been recorded.
	ErrScoringUnavailable = errors.New("abuse scoring store unavailable")
)

// Weight returns the score delta for s, or 0 for an unknown type.
func (s SignalType) Weight() int {
	switch s {
	case SignalFailedLogin:
		return 10
	case SignalGeoJump:
		return 25
	case SignalRegionMismatch:
		return 30
	case SignalBurstActivity:
		return 15
	}
	return 0
}

// Valid reports whether s is a known signal type.
func (s SignalType) Valid() bool {
	return s.Weight() > 0
}

// ParseSignalType converts s into a SignalType.
func ParseSignalType(s string) (SignalType, error) {
	t := SignalType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", ErrUnknownSignal
	}
	return t, nil
}
