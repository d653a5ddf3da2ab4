package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// errStopWalk ends a Walk early without reporting an error.
var errStopWalk = errors.New("stop walk")

// Repository is the durable store behind the ledger.
type Repository interface {
	// Head returns the entry with the highest sequence number, or nil when
	// the ledger is empty.
	Head(ctx context.Context) (*Entry, error)

	// Insert persists e. It fails with ErrChainAdvanced when an entry with
	// the same sequence number already exists.
	Insert(ctx context.Context, e *Entry) error

	// Walk calls fn for every entry in ascending sequence order. A non-nil
	// error from fn stops the walk and is returned.
	Walk(ctx context.Context, fn func(*Entry) error) error

	// List returns entries matching f, newest first.
	List(ctx context.Context, f Filter) ([]*Entry, error)

	// PurgeExpired deletes entries whose ExpiresAt is at or before now and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	entries []*Entry // ascending by Seq
	seqs    map[int64]struct{}
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		seqs: make(map[int64]struct{}),
	}
}

// Head returns the newest entry.
func (r *InMemoryRepository) Head(ctx context.Context) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return nil, nil
	}
	return r.entries[len(r.entries)-1].clone(), nil
}

// Insert stores e unless its sequence number is taken.
func (r *InMemoryRepository) Insert(ctx context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.seqs[e.Seq]; taken {
		return ErrChainAdvanced
	}
	r.seqs[e.Seq] = struct{}{}

	r.entries = append(r.entries, e.clone())
	// Inserts normally arrive in order; keep the invariant for seeded data.
	if n := len(r.entries); n > 1 && r.entries[n-2].Seq > e.Seq {
		sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].Seq < r.entries[j].Seq })
	}
	return nil
}

// Walk iterates over a snapshot of the ledger.
func (r *InMemoryRepository) Walk(ctx context.Context, fn func(*Entry) error) error {
	r.mu.RLock()
	snapshot := make([]*Entry, len(r.entries))
	for i, e := range r.entries {
		snapshot[i] = e.clone()
	}
	r.mu.RUnlock()

	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// List returns matching entries, newest first.
func (r *InMemoryRepository) List(ctx context.Context, f Filter) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Entry
	skipped := 0
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if !f.matches(e) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		results = append(results, e.clone())
		if f.Limit > 0 && len(results) >= f.Limit {
			break
		}
	}
	return results, nil
}

// PurgeExpired removes entries past retention.
func (r *InMemoryRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	var purged int64
	for _, e := range r.entries {
		if !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now) {
			delete(r.seqs, e.Seq)
			purged++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = nil
	}
	r.entries = kept
	return purged, nil
}

// Len returns the number of stored entries.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
