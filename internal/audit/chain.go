package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/caseguard/internal/tracing"
)

// DefaultMaxAppendAttempts bounds retries when a concurrent writer wins the
// race for the next sequence number.
const DefaultMaxAppendAttempts = 5

// Listing page sizes.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Tamper reasons reported by Verify.
const (
	ReasonHashMismatch = "hash_mismatch"
	ReasonBrokenLink   = "broken_link"
)

// ErrChainIntegrity is matched by the error form of a failed verification.
var ErrChainIntegrity = errors.New("audit chain integrity violation")

// VerifyResult is the outcome of walking the ledger.
type VerifyResult struct {
	Valid bool `json:"valid"`
	// Checked is the number of entries walked before the first tampered one,
	// or all entries when the chain is valid.
	Checked         int    `json:"checked"`
	FirstTamperedID string `json:"first_tampered_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Err returns nil for a valid result and an error matching ErrChainIntegrity otherwise.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: entry %s (%s) after %d verified entries",
		ErrChainIntegrity, r.FirstTamperedID, r.Reason, r.Checked)
}

// ChainConfig configures a Chain.
type ChainConfig struct {
	Retention   time.Duration // 0 = DefaultRetention
	MaxAttempts int           // 0 = DefaultMaxAppendAttempts
	Logger      *slog.Logger
	Metrics     *Metrics // Optional
	Now         func() time.Time
}

// Chain is the append-only, hash-linked audit ledger.
//
// Appends within one process are serialized by a mutex. Across processes the
// repository's conditional insert on seq rejects a stale head, and Append
// re-reads the head and retries. The head is always read from the repository,
// never cached.
type Chain struct {
	repo Repository
	cfg  ChainConfig

	mu sync.Mutex
}

// NewChain creates a Chain over repo.
func NewChain(repo Repository, cfg ChainConfig) *Chain {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAppendAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Chain{repo: repo, cfg: cfg}
}

// Append links a new entry onto the current head and persists it.
func (c *Chain) Append(ctx context.Context, in Input) (*Entry, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		entry, err := c.tryAppend(ctx, in)
		if err == nil {
			c.incAppends(ResultSuccess)
			return entry, nil
		}
		if !errors.Is(err, ErrChainAdvanced) {
			c.incAppends(ResultFailure)
			return nil, err
		}

		lastErr = err
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncAppendConflicts()
		}
		c.cfg.Logger.Debug("audit chain advanced concurrently, retrying",
			slog.Int("attempt", attempt))
	}

	c.incAppends(ResultFailure)
	return nil, fmt.Errorf("append failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Chain) tryAppend(ctx context.Context, in Input) (*Entry, error) {
	head, err := c.repo.Head(ctx)
	if err != nil {
		return nil, err
	}

	seq := int64(1)
	prevHash := GenesisHash
	if head != nil {
		seq = head.Seq + 1
		switch {
		case head.Hash != "":
			prevHash = head.Hash
		case head.PrevHash != "":
			// Legacy head: continue from the baseline it carries.
			prevHash = head.PrevHash
		}
	}

	now := canonicalTime(c.cfg.Now())
	e := &Entry{
		ID:           uuid.New().String(),
		Seq:          seq,
		Action:       in.Action,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		IP:           in.IP,
		UserAgent:    in.UserAgent,
		PrevHash:     prevHash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.cfg.Retention),
	}
	if in.PrincipalID != "" {
		p := in.PrincipalID
		e.PrincipalID = &p
	}
	if len(in.Metadata) > 0 {
		e.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			e.Metadata[k] = v
		}
	}
	e.Hash = ComputeHash(e)

	if err := c.repo.Insert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (c *Chain) incAppends(result string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncAppends(result)
	}
}

// Verify walks every surviving entry in seq order and checks each hash and
// link. Legacy entries without a hash are skipped and reset the link
// baseline to their own prevHash. The first surviving entry establishes the
// baseline, so a purged prefix is tolerated; only an entry with seq 1 must
// link to GenesisHash.
func (c *Chain) Verify(ctx context.Context) (_ VerifyResult, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "audit.verify")
	defer func() { endSpan(err) }()

	var (
		result   = VerifyResult{Valid: true}
		baseline string // empty = unknown
		first    = true
	)

	err = c.repo.Walk(ctx, func(e *Entry) error {
		if e.Hash == "" {
			baseline = e.PrevHash
			first = false
			result.Checked++
			return nil
		}

		expected := baseline
		if first && e.Seq == 1 {
			expected = GenesisHash
		}
		first = false

		if expected != "" && e.PrevHash != expected {
			result.Valid = false
			result.FirstTamperedID = e.ID
			result.Reason = ReasonBrokenLink
			return errStopWalk
		}
		if ComputeHash(e) != e.Hash {
			result.Valid = false
			result.FirstTamperedID = e.ID
			result.Reason = ReasonHashMismatch
			return errStopWalk
		}

		baseline = e.Hash
		result.Checked++
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return VerifyResult{}, fmt.Errorf("failed to verify audit chain: %w", err)
	}
	err = nil

	tracing.SetAttributes(ctx,
		attribute.Bool("audit.valid", result.Valid),
		attribute.Int("audit.checked", result.Checked))

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ObserveVerification(result)
	}
	if !result.Valid {
		c.cfg.Logger.Error("audit chain integrity violation",
			slog.String("entry_id", result.FirstTamperedID),
			slog.String("reason", result.Reason),
			slog.Int("checked", result.Checked))
	}
	return result, nil
}

// List returns one page of entries as administrative views, newest first.
// The page size is clamped to [1, MaxPageSize].
func (c *Chain) List(ctx context.Context, f Filter) ([]View, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	entries, err := c.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(entries))
	for _, e := range entries {
		views = append(views, NewView(e))
	}
	return views, nil
}

// PurgeExpired removes entries whose retention has elapsed.
func (c *Chain) PurgeExpired(ctx context.Context) (int64, error) {
	return c.repo.PurgeExpired(ctx, c.cfg.Now())
}
