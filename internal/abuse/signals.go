package abuse

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/caseguard/internal/jobs"
)

// DefaultSignalRetention is how long signal records are kept.
const DefaultSignalRetention = 30 * 24 * time.Hour

// SignalRecord is one persisted signal occurrence.
type SignalRecord struct {
	ID          string            `json:"id"`
	PrincipalID string            `json:"principal_id"`
	SignalType  SignalType        `json:"signal_type"`
	ScoreImpact int               `json:"score_impact"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// SignalRepository stores signal records.
type SignalRepository interface {
	Insert(ctx context.Context, rec SignalRecord) error
	// ListByPrincipal returns the newest records first (limit 0 = all).
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]SignalRecord, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemorySignalRepository is an in-memory SignalRepository.
type MemorySignalRepository struct {
	mu      sync.RWMutex
	records []SignalRecord
}

// NewMemorySignalRepository creates an empty MemorySignalRepository.
func NewMemorySignalRepository() *MemorySignalRepository {
	return &MemorySignalRepository{}
}

// Insert appends rec.
func (r *MemorySignalRepository) Insert(ctx context.Context, rec SignalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// ListByPrincipal returns the records of principalID, newest first.
func (r *MemorySignalRepository) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]SignalRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SignalRecord
	for _, rec := range r.records {
		if rec.PrincipalID == principalID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeExpired removes records past retention.
func (r *MemorySignalRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.records[:0]
	var purged int64
	for _, rec := range r.records {
		if !rec.ExpiresAt.After(now) {
			purged++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return purged, nil
}

// SignalLogConfig configures a SignalLog.
type SignalLogConfig struct {
	QueueSize int
	Logger    *slog.Logger
	Metrics   *jobs.Metrics // Optional
}

// SignalLog writes signal records asynchronously so the scoring path never
// waits on the signal table.
type SignalLog struct {
	repo  SignalRepository
	queue *jobs.Queue[SignalRecord]
}

// NewSignalLog creates a SignalLog backed by repo.
func NewSignalLog(repo SignalRepository, cfg SignalLogConfig) *SignalLog {
	l := &SignalLog{repo: repo}
	l.queue = jobs.NewQueue(jobs.QueueConfig{
		JobType: jobs.JobTypeSignalAppend,
		Size:    cfg.QueueSize,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}, func(ctx context.Context, rec SignalRecord) error {
		return repo.Insert(ctx, rec)
	})
	return l
}

// Start launches the background writer.
func (l *SignalLog) Start() { l.queue.Start() }

// Stop drains pending records until ctx is done.
func (l *SignalLog) Stop(ctx context.Context) error { return l.queue.Stop(ctx) }

// Record queues rec. Returns false when it was dropped.
func (l *SignalLog) Record(rec SignalRecord) bool { return l.queue.Enqueue(rec) }

// PurgeExpired removes records past retention.
func (l *SignalLog) PurgeExpired(ctx context.Context) (int64, error) {
	return l.repo.PurgeExpired(ctx, time.Now())
}
