package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/onnwee/caseguard/internal/lockout"
	"github.com/onnwee/caseguard/internal/tracing"
)

// dummyHash is compared against when the identifier is unknown so that
// unknown and known identifiers take about the same time to reject.
var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("unknown-principal"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("gate: failed to generate dummy hash: %v", err))
	}
	return hash
})

func compareSecret(hash []byte, secret string) error {
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("compare secret: %w", err)
	}
	return nil
}

type credentialRecord struct {
	identity Identity
	hash     []byte
}

// MemoryCredentials is an in-memory CredentialVerifier for tests and
// development.
type MemoryCredentials struct {
	mu      sync.RWMutex
	records map[string]credentialRecord
}

// NewMemoryCredentials creates an empty MemoryCredentials.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{records: make(map[string]credentialRecord)}
}

// Add registers identifier with a bcrypt hash of secret. cost 0 uses
// bcrypt.DefaultCost.
func (m *MemoryCredentials) Add(identifier, secret string, identity Identity, cost int) error {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[lockout.NormalizeIdentifier(identifier)] = credentialRecord{identity: identity, hash: hash}
	return nil
}

// VerifyCredentials implements CredentialVerifier.
func (m *MemoryCredentials) VerifyCredentials(ctx context.Context, identifier, secret string) (Identity, error) {
	m.mu.RLock()
	rec, ok := m.records[lockout.NormalizeIdentifier(identifier)]
	m.mu.RUnlock()

	if !ok {
		_ = compareSecret(dummyHash(), secret)
		return Identity{}, ErrInvalidCredentials
	}
	if err := compareSecret(rec.hash, secret); err != nil {
		return rec.identity, err
	}
	return rec.identity, nil
}

// PostgresCredentials verifies secrets against the principals table.
type PostgresCredentials struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresCredentials creates a new PostgresCredentials.
func NewPostgresCredentials(db *sql.DB, logger *slog.Logger) *PostgresCredentials {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresCredentials{db: db, logger: logger}
}

// VerifyCredentials implements CredentialVerifier.
func (p *PostgresCredentials) VerifyCredentials(ctx context.Context, identifier, secret string) (identity Identity, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "principals", tracing.DBOperationQuery)
	defer func() {
		if errors.Is(err, ErrInvalidCredentials) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	var hash string
	err = p.db.QueryRowContext(ctx,
		`SELECT id, region, password_hash FROM principals WHERE identifier = $1 AND disabled_at IS NULL`,
		lockout.NormalizeIdentifier(identifier),
	).Scan(&identity.PrincipalID, &identity.Region, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		_ = compareSecret(dummyHash(), secret)
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return Identity{}, fmt.Errorf("failed to load principal: %w", err)
	}

	if err := compareSecret([]byte(hash), secret); err != nil {
		return identity, err
	}
	return identity, nil
}
