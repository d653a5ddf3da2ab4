//go:build integration

// Integration tests for the audit ledger on PostgreSQL.
// They start a disposable container and need a working Docker daemon.
// Run with: go test -tags=integration -v ./internal/audit/...
package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/caseguard/internal/db/dbtest"
)

func TestPostgresRepository_AppendVerifyList(t *testing.T) {
	conn := dbtest.NewPostgres(t)
	chain := newTestChain(NewPostgresRepository(conn, newTestLogger()))
	entries := appendN(t, chain, 5)

	result, err := chain.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid || result.Checked != 5 {
		t.Errorf("Verify() = %+v, want valid with 5 checked", result)
	}

	views, err := chain.List(context.Background(), Filter{PrincipalID: "user-1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(views) != 2 || views[0].Seq != 4 || views[1].Seq != 3 {
		t.Fatalf("List() = %+v, want seq 4 and 3", views)
	}
	if views[0].ID != entries[3].ID || views[0].Metadata["field"] != "status" {
		t.Errorf("List()[0] = %+v, want entry %s", views[0], entries[3].ID)
	}
}

func TestPostgresRepository_InsertRejectsTakenSeq(t *testing.T) {
	conn := dbtest.NewPostgres(t)
	repo := NewPostgresRepository(conn, newTestLogger())
	chain := newTestChain(repo)
	entries := appendN(t, chain, 1)

	dup := *entries[0]
	dup.ID = "5f1c3c8e-0000-4000-8000-000000000001"
	if err := repo.Insert(context.Background(), &dup); !errors.Is(err, ErrChainAdvanced) {
		t.Errorf("Insert() error = %v, want ErrChainAdvanced", err)
	}
}

func TestPostgresRepository_ConcurrentAppendsStayLinked(t *testing.T) {
	conn := dbtest.NewPostgres(t)
	// Two chains over one table behave like two service instances.
	newChain := func() *Chain {
		return NewChain(NewPostgresRepository(conn, newTestLogger()), ChainConfig{
			Logger:      newTestLogger(),
			MaxAttempts: 50,
		})
	}
	chains := []*Chain{newChain(), newChain()}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := chains[i%2].Append(context.Background(), testInput(i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Append() error = %v", err)
	}

	result, err := chains[0].Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid || result.Checked != writers {
		t.Errorf("Verify() = %+v, want valid with %d checked", result, writers)
	}
}

func TestPostgresRepository_DetectsTamperedRow(t *testing.T) {
	conn := dbtest.NewPostgres(t)
	chain := newTestChain(NewPostgresRepository(conn, newTestLogger()))
	entries := appendN(t, chain, 4)

	ctx := context.Background()
	if _, err := conn.ExecContext(ctx, `UPDATE audit_logs SET resource_id = 'case-999' WHERE seq = 2`); err == nil {
		t.Fatal("UPDATE succeeded; audit_logs rows should be immutable")
	}

	// Simulate an operator bypassing the trigger.
	if _, err := conn.ExecContext(ctx, `ALTER TABLE audit_logs DISABLE TRIGGER audit_logs_immutable`); err != nil {
		t.Fatalf("failed to disable trigger: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `UPDATE audit_logs SET resource_id = 'case-999' WHERE seq = 2`); err != nil {
		t.Fatalf("failed to tamper row: %v", err)
	}

	result, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Valid || result.FirstTamperedID != entries[1].ID || result.Reason != ReasonHashMismatch {
		t.Errorf("Verify() = %+v, want hash mismatch at %s", result, entries[1].ID)
	}
}

func TestPostgresRepository_LegacyRowKeepsEmptyBaseline(t *testing.T) {
	conn := dbtest.NewPostgres(t)
	chain := newTestChain(NewPostgresRepository(conn, newTestLogger()))
	ctx := context.Background()

	now := time.Now().UTC()
	if _, err := conn.ExecContext(ctx, `INSERT INTO audit_logs
			(id, seq, action, resource_type, resource_id, created_at, expires_at)
		VALUES ('00000000-0000-4000-8000-0000000000aa', 1, 'case_update', 'case', 'case-1', $1, $2)`,
		now, now.Add(time.Hour)); err != nil {
		t.Fatalf("failed to insert legacy row: %v", err)
	}

	entry, err := chain.Append(ctx, testInput(0))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if entry.Seq != 2 || entry.PrevHash != GenesisHash {
		t.Errorf("Append() seq = %d prev = %q, want seq 2 linked to genesis", entry.Seq, entry.PrevHash)
	}

	var legacy *Entry
	if err := chain.repo.Walk(ctx, func(e *Entry) error {
		if e.Seq == 1 {
			legacy = e
		}
		return nil
	}); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if legacy == nil || legacy.PrevHash != "" || legacy.Hash != "" {
		t.Fatalf("legacy row read back as %+v, want empty prev_hash and hash", legacy)
	}

	result, err := chain.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Valid || result.Checked != 2 {
		t.Errorf("Verify() = %+v, want valid with 2 checked", result)
	}
}

func TestPostgresRepository_PurgeExpired(t *testing.T) {
	conn := dbtest.NewPostgres(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	chain := NewChain(NewPostgresRepository(conn, newTestLogger()), ChainConfig{
		Logger:    newTestLogger(),
		Retention: time.Hour,
		Now:       func() time.Time { return now },
	})
	appendN(t, chain, 3)

	now = start.Add(2 * time.Hour)
	n, err := chain.PurgeExpired(context.Background())
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if n != 3 {
		t.Errorf("PurgeExpired() = %d, want 3", n)
	}

	entry, err := chain.Append(context.Background(), testInput(9))
	if err != nil {
		t.Fatalf("Append() after purge error = %v", err)
	}
	if entry.PrevHash != GenesisHash {
		t.Errorf("PrevHash after full purge = %q, want GenesisHash", entry.PrevHash)
	}
}
