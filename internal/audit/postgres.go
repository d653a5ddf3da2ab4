package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/caseguard/internal/tracing"
)

const (
	auditTable = "audit_logs"

	// walkBatchSize bounds the rows held in memory while walking the ledger.
	walkBatchSize = 500

	// pqUniqueViolation is the SQLSTATE for unique_violation.
	pqUniqueViolation = "23505"
)

const entryColumns = `id, seq, principal_id, action, resource_type, resource_id,
	ip_address, user_agent, metadata, prev_hash, hash, created_at, expires_at`

// PostgresRepository implements Repository on the audit_logs table.
// The UNIQUE constraint on seq makes Insert a conditional append.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e           Entry
		principalID sql.NullString
		metadata    []byte
	)
	err := row.Scan(&e.ID, &e.Seq, &principalID, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.IP, &e.UserAgent, &metadata, &e.PrevHash, &e.Hash, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if principalID.Valid {
		p := principalID.String
		e.PrincipalID = &p
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for entry %s: %w", e.ID, err)
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.ExpiresAt = e.ExpiresAt.UTC()
	return &e, nil
}

// Head returns the entry with the highest seq.
func (r *PostgresRepository) Head(ctx context.Context) (e *Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, auditTable, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + entryColumns + ` FROM audit_logs ORDER BY seq DESC LIMIT 1`
	e, err = scanEntry(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit head: %w", err)
	}
	return e, nil
}

// Insert appends e; a seq collision maps to ErrChainAdvanced.
func (r *PostgresRepository) Insert(ctx context.Context, e *Entry) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, auditTable, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	var principalID sql.NullString
	if e.PrincipalID != nil {
		principalID = sql.NullString{String: *e.PrincipalID, Valid: true}
	}

	query := `INSERT INTO audit_logs (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.Seq, principalID, string(e.Action), e.ResourceType, e.ResourceID,
		e.IP, e.UserAgent, metadata, e.PrevHash, e.Hash, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrChainAdvanced
		}
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Walk pages through the ledger by seq so memory stays bounded.
func (r *PostgresRepository) Walk(ctx context.Context, fn func(*Entry) error) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, auditTable, tracing.DBOperationQuery)
	defer func() {
		if errors.Is(err, errStopWalk) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	query := `SELECT ` + entryColumns + ` FROM audit_logs WHERE seq > $1 ORDER BY seq ASC LIMIT $2`
	var after int64 = -1 << 62
	for {
		batch, err := r.walkBatch(ctx, query, after)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
			after = e.Seq
		}
		if len(batch) < walkBatchSize {
			return nil
		}
	}
}

func (r *PostgresRepository) walkBatch(ctx context.Context, query string, after int64) ([]*Entry, error) {
	rows, err := r.db.QueryContext(ctx, query, after, walkBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to walk audit log: %w", err)
	}
	defer rows.Close()

	batch := make([]*Entry, 0, walkBatchSize)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to walk audit log: %w", err)
	}
	return batch, nil
}

// List returns matching entries, newest first.
func (r *PostgresRepository) List(ctx context.Context, f Filter) (entries []*Entry, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, auditTable, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.PrincipalID != "" {
		add("principal_id = $%d", f.PrincipalID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + entryColumns + ` FROM audit_logs`)
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY seq DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// PurgeExpired deletes entries past retention.
func (r *PostgresRepository) PurgeExpired(ctx context.Context, now time.Time) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, auditTable, tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	n, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		r.logger.Info("purged expired audit entries", slog.Int64("count", n))
	}
	return n, nil
}
