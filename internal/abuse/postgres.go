package abuse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/caseguard/internal/geo"
	"github.com/onnwee/caseguard/internal/tracing"
)

const (
	profilesTable = "abuse_profiles"
	signalsTable  = "abuse_signals"
)

const profileColumns = `principal_id, abuse_score, last_signal_at, decay_checkpoint,
	is_suspicious, suspended_until, suspension_reason, last_geo_lat, last_geo_lon,
	last_geo_at, version`

// PostgresProfileStore implements ProfileStore on the abuse_profiles table.
// Update locks the row with SELECT ... FOR UPDATE inside a transaction.
type PostgresProfileStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresProfileStore creates a new PostgresProfileStore.
func NewPostgresProfileStore(db *sql.DB, logger *slog.Logger) *PostgresProfileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresProfileStore{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var (
		p              Profile
		lastSignalAt   sql.NullTime
		checkpoint     sql.NullTime
		suspendedUntil sql.NullTime
		lat, lon       sql.NullFloat64
		lastGeoAt      sql.NullTime
	)
	err := row.Scan(&p.PrincipalID, &p.AbuseScore, &lastSignalAt, &checkpoint,
		&p.IsSuspicious, &suspendedUntil, &p.SuspensionReason, &lat, &lon,
		&lastGeoAt, &p.Version)
	if err != nil {
		return nil, err
	}
	if lastSignalAt.Valid {
		p.LastSignalAt = lastSignalAt.Time.UTC()
	}
	if checkpoint.Valid {
		p.DecayCheckpoint = checkpoint.Time.UTC()
	}
	if suspendedUntil.Valid {
		until := suspendedUntil.Time.UTC()
		p.SuspendedUntil = &until
	}
	if lat.Valid && lon.Valid {
		p.LastKnownGeo = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
	}
	if lastGeoAt.Valid {
		p.LastGeoAt = lastGeoAt.Time.UTC()
	}
	return &p, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Get reads a profile without locking it.
func (s *PostgresProfileStore) Get(ctx context.Context, principalID string) (p *Profile, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, profilesTable, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + profileColumns + ` FROM abuse_profiles WHERE principal_id = $1`
	p, err = scanProfile(s.db.QueryRowContext(ctx, query, principalID))
	if errors.Is(err, sql.ErrNoRows) {
		return &Profile{PrincipalID: principalID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get abuse profile: %w", err)
	}
	return p, nil
}

// Update runs fn on the locked row and writes the result in one transaction.
func (s *PostgresProfileStore) Update(ctx context.Context, principalID string, fn func(*Profile) error) (p *Profile, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, profilesTable, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Make sure a row exists so FOR UPDATE has something to lock.
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO abuse_profiles (principal_id) VALUES ($1) ON CONFLICT (principal_id) DO NOTHING`,
		principalID); err != nil {
		return nil, fmt.Errorf("failed to create abuse profile: %w", err)
	}

	query := `SELECT ` + profileColumns + ` FROM abuse_profiles WHERE principal_id = $1 FOR UPDATE`
	p, err = scanProfile(tx.QueryRowContext(ctx, query, principalID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock abuse profile: %w", err)
	}

	if err = fn(p); err != nil {
		return nil, err
	}
	p.Version++

	var lat, lon sql.NullFloat64
	if p.LastKnownGeo != nil {
		lat = sql.NullFloat64{Float64: p.LastKnownGeo.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: p.LastKnownGeo.Lon, Valid: true}
	}
	var suspendedUntil sql.NullTime
	if p.SuspendedUntil != nil {
		suspendedUntil = sql.NullTime{Time: *p.SuspendedUntil, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `UPDATE abuse_profiles SET
			abuse_score = $2, last_signal_at = $3, decay_checkpoint = $4,
			is_suspicious = $5, suspended_until = $6, suspension_reason = $7,
			last_geo_lat = $8, last_geo_lon = $9, last_geo_at = $10,
			version = $11, updated_at = NOW()
		WHERE principal_id = $1`,
		principalID, p.AbuseScore, nullTime(p.LastSignalAt), nullTime(p.DecayCheckpoint),
		p.IsSuspicious, suspendedUntil, p.SuspensionReason, lat, lon,
		nullTime(p.LastGeoAt), p.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update abuse profile: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit abuse profile: %w", err)
	}
	return p, nil
}

// PostgresSignalRepository implements SignalRepository on the abuse_signals table.
type PostgresSignalRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSignalRepository creates a new PostgresSignalRepository.
func NewPostgresSignalRepository(db *sql.DB, logger *slog.Logger) *PostgresSignalRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSignalRepository{db: db, logger: logger}
}

// Insert stores rec.
func (r *PostgresSignalRepository) Insert(ctx context.Context, rec SignalRecord) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, signalsTable, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	metadata := []byte("{}")
	if len(rec.Metadata) > 0 {
		if metadata, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("failed to encode signal metadata: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO abuse_signals
			(id, principal_id, signal_type, score_impact, metadata, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.PrincipalID, string(rec.SignalType), rec.ScoreImpact, metadata,
		rec.Timestamp, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert abuse signal: %w", err)
	}
	return nil
}

// ListByPrincipal returns the newest records first.
func (r *PostgresSignalRepository) ListByPrincipal(ctx context.Context, principalID string, limit int) (records []SignalRecord, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, signalsTable, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT id, principal_id, signal_type, score_impact, metadata, created_at, expires_at
		FROM abuse_signals WHERE principal_id = $1 ORDER BY created_at DESC`
	args := []any{principalID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list abuse signals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec      SignalRecord
			metadata []byte
		)
		if err := rows.Scan(&rec.ID, &rec.PrincipalID, &rec.SignalType, &rec.ScoreImpact,
			&metadata, &rec.Timestamp, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan abuse signal: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode signal metadata: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list abuse signals: %w", err)
	}
	return records, nil
}

// PurgeExpired deletes records past retention.
func (r *PostgresSignalRepository) PurgeExpired(ctx context.Context, now time.Time) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, signalsTable, tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	result, err := r.db.ExecContext(ctx, `DELETE FROM abuse_signals WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge abuse signals: %w", err)
	}
	n, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		r.logger.Info("purged expired abuse signals", slog.Int64("count", n))
	}
	return n, nil
}
