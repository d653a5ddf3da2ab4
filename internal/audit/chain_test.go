package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// steppingClock returns a clock that advances one second per call.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newTestChain(repo Repository) *Chain {
	return NewChain(repo, ChainConfig{
		Logger: newTestLogger(),
		Now:    steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func testInput(i int) Input {
	return Input{
		PrincipalID:  "user-1",
		Action:       ActionCaseUpdate,
		ResourceType: "case",
		ResourceID:   fmt.Sprintf("case-%d", i),
		IP:           "203.0.113.10",
		UserAgent:    "test-agent",
		Metadata:     map[string]string{"field": "status"},
	}
}

func appendN(t *testing.T, chain *Chain, n int) []*Entry {
	t.Helper()
	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := chain.Append(context.Background(), testInput(i))
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestAppend_LinksEntries(t *testing.T) {
	chain := newTestChain(NewInMemoryRepository())
	entries := appendN(t, chain, 3)

	if entries[0].PrevHash != GenesisHash {
		t.Errorf("first PrevHash = %q, want GenesisHash", entries[0].PrevHash)
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d Seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.Hash != ComputeHash(e) {
			t.Errorf("entry %d stored hash does not match recomputed hash", i)
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			t.Errorf("entry %d PrevHash = %q, want %q", i, e.PrevHash, entries[i-1].Hash)
		}
		if got := e.ExpiresAt.Sub(e.CreatedAt); got != DefaultRetention {
			t.Errorf("entry %d retention = %v, want %v", i, got, DefaultRetention)
		}
	}
}

func TestAppend_ValidatesInput(t *testing.T) {
	chain := newTestChain(NewInMemoryRepository())

	tests := []struct {
		name    string
		modify  func(*Input)
		wantErr error
	}{
		{"unknown action", func(in *Input) { in.Action = "scene_create" }, ErrInvalidAction},
		{"empty resource type", func(in *Input) { in.ResourceType = " " }, ErrInvalidResourceType},
		{"empty resource id", func(in *Input) { in.ResourceID = "" }, ErrInvalidResourceID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput(0)
			tt.modify(&in)
			if _, err := chain.Append(context.Background(), in); !errors.Is(err, tt.wantErr) {
				t.Errorf("Append() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAppend_AnonymousPrincipal(t *testing.T) {
	chain := newTestChain(NewInMemoryRepository())
	in := testInput(0)
	in.PrincipalID = ""

	e, err := chain.Append(context.Background(), in)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e.PrincipalID != nil {
		t.Errorf("PrincipalID = %v, want nil", *e.PrincipalID)
	}
}

func TestVerify_EmptyChain(t *testing.T) {
	chain := newTestChain(NewInMemoryRepository())

	result, err := chain.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid || result.Checked != 0 {
		t.Errorf("Verify() = %+v, want valid with 0 checked", result)
	}
}

func TestVerify_ValidChain(t *testing.T) {
	chain := newTestChain(NewInMemoryRepository())
	appendN(t, chain, 10)

	result, err := chain.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid {
		t.Fatalf("Verify() valid = false, first tampered = %s", result.FirstTamperedID)
	}
	if result.Checked != 10 {
		t.Errorf("Checked = %d, want 10", result.Checked)
	}
	if result.Err() != nil {
		t.Errorf("Err() = %v, want nil", result.Err())
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name       string
		position   int // 1-based
		tamper     func(*Entry)
		wantReason string
	}{
		{"metadata changed", 4, func(e *Entry) { e.Metadata["field"] = "amount" }, ReasonHashMismatch},
		{"metadata added", 1, func(e *Entry) { e.Metadata["extra"] = "x" }, ReasonHashMismatch},
		{"resource changed", 7, func(e *Entry) { e.ResourceID = "case-999" }, ReasonHashMismatch},
		{"ip changed", 10, func(e *Entry) { e.IP = "198.51.100.1" }, ReasonHashMismatch},
		{"timestamp changed", 5, func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(-time.Hour) }, ReasonHashMismatch},
		{"principal removed", 2, func(e *Entry) { e.PrincipalID = nil }, ReasonHashMismatch},
		{"hash rewritten", 6, func(e *Entry) {
			e.Metadata["field"] = "amount"
			e.Hash = ComputeHash(e)
		}, ReasonBrokenLink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewInMemoryRepository()
			chain := newTestChain(repo)
			entries := appendN(t, chain, 10)

			tt.tamper(repo.entries[tt.position-1])

			result, err := chain.Verify(context.Background())
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if result.Valid {
				t.Fatal("Verify() valid = true, want false")
			}

			// A rewritten hash is detected at the next entry's link.
			wantID := entries[tt.position-1].ID
			wantChecked := tt.position - 1
			if tt.wantReason == ReasonBrokenLink {
				wantID = entries[tt.position].ID
				wantChecked = tt.position
			}
			if result.FirstTamperedID != wantID {
				t.Errorf("FirstTamperedID = %s, want %s", result.FirstTamperedID, wantID)
			}
			if result.Checked != wantChecked {
				t.Errorf("Checked = %d, want %d", result.Checked, wantChecked)
			}
			if result.Reason != tt.wantReason {
				t.Errorf("Reason = %s, want %s", result.Reason, tt.wantReason)
			}
			if !errors.Is(result.Err(), ErrChainIntegrity) {
				t.Errorf("Err() = %v, want ErrChainIntegrity", result.Err())
			}
		})
	}
}

func TestVerify_SkipsLegacyEntries(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Two entries written before chaining existed.
	for seq := int64(1); seq <= 2; seq++ {
		legacy := &Entry{
			ID:           fmt.Sprintf("legacy-%d", seq),
			Seq:          seq,
			Action:       ActionCaseCreate,
			ResourceType: "case",
			ResourceID:   "case-legacy",
			CreatedAt:    created,
			ExpiresAt:    created.Add(10 * DefaultRetention),
		}
		if err := repo.Insert(ctx, legacy); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	chain := newTestChain(repo)
	entries := appendN(t, chain, 3)
	if entries[0].Seq != 3 {
		t.Errorf("first chained Seq = %d, want 3", entries[0].Seq)
	}
	if entries[0].PrevHash != GenesisHash {
		t.Errorf("first chained PrevHash = %q, want GenesisHash", entries[0].PrevHash)
	}

	result, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid {
		t.Fatalf("Verify() valid = false, reason %s at %s", result.Reason, result.FirstTamperedID)
	}
	if result.Checked != 5 {
		t.Errorf("Checked = %d, want 5", result.Checked)
	}
}

func TestVerify_ToleratesPurgedPrefix(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	var clock time.Time
	chain := NewChain(repo, ChainConfig{
		Logger:    newTestLogger(),
		Retention: time.Hour,
		Now:       func() time.Time { return clock },
	})

	clock = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Minute)
		if _, err := chain.Append(ctx, testInput(i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	clock = clock.Add(2 * time.Hour)
	for i := 3; i < 6; i++ {
		clock = clock.Add(time.Minute)
		if _, err := chain.Append(ctx, testInput(i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	purged, err := chain.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if purged != 3 {
		t.Fatalf("purged = %d, want 3", purged)
	}

	result, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid || result.Checked != 3 {
		t.Errorf("Verify() = %+v, want valid with 3 checked", result)
	}

	// The chain keeps growing from the surviving head.
	e, err := chain.Append(ctx, testInput(6))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e.Seq != 7 {
		t.Errorf("Seq = %d, want 7", e.Seq)
	}
}

// racingRepository lets a competing writer advance the chain before the
// first insert of each append lands.
type racingRepository struct {
	*InMemoryRepository
	mu    sync.Mutex
	races int
}

func (r *racingRepository) Insert(ctx context.Context, e *Entry) error {
	r.mu.Lock()
	race := r.races > 0
	if race {
		r.races--
	}
	r.mu.Unlock()

	if race {
		// Simulates another process appending with the same head.
		competitor := e.clone()
		competitor.ID = e.ID + "-competitor"
		competitor.Hash = ComputeHash(competitor)
		if err := r.InMemoryRepository.Insert(ctx, competitor); err != nil {
			return err
		}
	}
	return r.InMemoryRepository.Insert(ctx, e)
}

func TestAppend_RetriesWhenChainAdvanced(t *testing.T) {
	repo := &racingRepository{InMemoryRepository: NewInMemoryRepository(), races: 2}
	metrics := NewMetrics()
	chain := NewChain(repo, ChainConfig{Logger: newTestLogger(), Metrics: metrics})

	e, err := chain.Append(context.Background(), testInput(0))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if e.Seq != 3 {
		t.Errorf("Seq = %d, want 3 after two lost races", e.Seq)
	}

	result, err := chain.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid {
		t.Errorf("Verify() valid = false at %s", result.FirstTamperedID)
	}

	m := &dto.Metric{}
	if err := metrics.appendConflicts.Write(m); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("conflicts = %v, want 2", got)
	}
}

func TestAppend_GivesUpAfterMaxAttempts(t *testing.T) {
	repo := &racingRepository{InMemoryRepository: NewInMemoryRepository(), races: 10}
	chain := NewChain(repo, ChainConfig{Logger: newTestLogger(), MaxAttempts: 3})

	_, err := chain.Append(context.Background(), testInput(0))
	if !errors.Is(err, ErrChainAdvanced) {
		t.Errorf("Append() error = %v, want ErrChainAdvanced", err)
	}
}

func TestAppend_ConcurrentWritersFormSingleChain(t *testing.T) {
	repo := NewInMemoryRepository()
	// Two Chain values over one repository behave like two processes.
	chains := []*Chain{
		NewChain(repo, ChainConfig{Logger: newTestLogger(), MaxAttempts: 100}),
		NewChain(repo, ChainConfig{Logger: newTestLogger(), MaxAttempts: 100}),
	}

	const perWriter = 25
	var wg sync.WaitGroup
	errs := make(chan error, 4*perWriter)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			chain := chains[w%len(chains)]
			for i := 0; i < perWriter; i++ {
				if _, err := chain.Append(context.Background(), testInput(w*perWriter+i)); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Append() error = %v", err)
	}

	if repo.Len() != 4*perWriter {
		t.Fatalf("entries = %d, want %d", repo.Len(), 4*perWriter)
	}

	// Exactly one entry links to each predecessor.
	seen := make(map[string]int)
	_ = repo.Walk(context.Background(), func(e *Entry) error {
		seen[e.PrevHash]++
		return nil
	})
	for prev, n := range seen {
		if n != 1 {
			t.Errorf("%d entries link to %s", n, prev)
		}
	}

	result, err := chains[0].Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid || result.Checked != 4*perWriter {
		t.Errorf("Verify() = %+v, want valid with %d checked", result, 4*perWriter)
	}
}

func TestList_PagesNewestFirst(t *testing.T) {
	chain := newTestChain(NewInMemoryRepository())
	appendN(t, chain, 5)

	views, err := chain.List(context.Background(), Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("len(views) = %d, want 2", len(views))
	}
	if views[0].Seq != 4 || views[1].Seq != 3 {
		t.Errorf("seqs = %d,%d, want 4,3", views[0].Seq, views[1].Seq)
	}

	all, err := chain.List(context.Background(), Filter{Limit: MaxPageSize + 100})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 5 {
		t.Errorf("len(all) = %d, want 5", len(all))
	}
}

func TestVerify_RecordsMetrics(t *testing.T) {
	repo := NewInMemoryRepository()
	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	chain := NewChain(repo, ChainConfig{Logger: newTestLogger(), Metrics: metrics})
	appendN(t, chain, 3)

	if _, err := chain.Verify(context.Background()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	repo.entries[1].IP = "tampered"
	if _, err := chain.Verify(context.Background()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	for result, want := range map[string]float64{ResultValid: 1, ResultTampered: 1} {
		m := &dto.Metric{}
		if err := metrics.verificationsTotal.WithLabelValues(result).Write(m); err != nil {
			t.Fatalf("failed to read metric: %v", err)
		}
		if got := m.GetCounter().GetValue(); got != want {
			t.Errorf("verifications{%s} = %v, want %v", result, got, want)
		}
	}

	m := &dto.Metric{}
	if err := metrics.verifiedEntries.Write(m); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 1 {
		t.Errorf("verified entries = %v, want 1", got)
	}
}
