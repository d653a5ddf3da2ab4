package abuse

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/caseguard/internal/geo"
)

// Profile is the abuse state attached to a principal.
type Profile struct {
	PrincipalID string `json:"principal_id"`
	// AbuseScore never goes below zero. It rises only through recorded
	// signals and falls only through decay or a manual unsuspend.
	AbuseScore   int       `json:"abuse_score"`
	LastSignalAt time.Time `json:"last_signal_at,omitempty"`
	// DecayCheckpoint is the instant decay was last accounted up to. Zero
	// means "use LastSignalAt".
	DecayCheckpoint  time.Time  `json:"-"`
	IsSuspicious     bool       `json:"is_suspicious"`
	SuspendedUntil   *time.Time `json:"suspended_until,omitempty"`
	SuspensionReason string     `json:"suspension_reason,omitempty"`
	LastKnownGeo     *geo.Point `json:"-"`
	LastGeoAt        time.Time  `json:"-"`
	Version          int64      `json:"-"`
}

// SuspendedAt reports whether the principal is suspended at now.
func (p *Profile) SuspendedAt(now time.Time) bool {
	return p.SuspendedUntil != nil && now.Before(*p.SuspendedUntil)
}

// decay subtracts amount for every whole interval elapsed since the
// checkpoint and advances the checkpoint by exactly those intervals, so a
// partial interval carries over to the next evaluation.
func (p *Profile) decay(now time.Time, amount int, interval time.Duration) {
	if amount <= 0 || interval <= 0 {
		return
	}
	checkpoint := p.DecayCheckpoint
	if checkpoint.IsZero() {
		checkpoint = p.LastSignalAt
	}
	if checkpoint.IsZero() || !now.After(checkpoint) {
		return
	}

	intervals := int64(now.Sub(checkpoint) / interval)
	if intervals == 0 {
		return
	}

	if reduction := intervals * int64(amount); reduction >= int64(p.AbuseScore) {
		p.AbuseScore = 0
	} else {
		p.AbuseScore -= int(reduction)
	}
	p.DecayCheckpoint = checkpoint.Add(time.Duration(intervals) * interval)
}

func (p *Profile) clone() *Profile {
	c := *p
	if p.SuspendedUntil != nil {
		until := *p.SuspendedUntil
		c.SuspendedUntil = &until
	}
	if p.LastKnownGeo != nil {
		g := *p.LastKnownGeo
		c.LastKnownGeo = &g
	}
	return &c
}

// ProfileStore persists profiles.
type ProfileStore interface {
	// Get returns the profile for principalID, or a zero profile when none
	// exists yet.
	Get(ctx context.Context, principalID string) (*Profile, error)

	// Update atomically loads the profile (creating it when missing), calls
	// fn on it and persists the result. Concurrent updates of the same
	// principal are serialized; none is lost.
	Update(ctx context.Context, principalID string, fn func(*Profile) error) (*Profile, error)
}

// MemoryProfileStore is an in-memory ProfileStore for tests and development.
type MemoryProfileStore struct {
	mu       sync.Mutex
	profiles map[string]*Profile
}

// NewMemoryProfileStore creates an empty MemoryProfileStore.
func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string]*Profile)}
}

// Get returns a copy of the stored profile.
func (s *MemoryProfileStore) Get(ctx context.Context, principalID string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.profiles[principalID]; ok {
		return p.clone(), nil
	}
	return &Profile{PrincipalID: principalID}, nil
}

// Update applies fn under the store lock.
func (s *MemoryProfileStore) Update(ctx context.Context, principalID string, fn func(*Profile) error) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := &Profile{PrincipalID: principalID}
	if p, ok := s.profiles[principalID]; ok {
		working = p.clone()
	}
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Version++
	s.profiles[principalID] = working
	return working.clone(), nil
}
