package health

import (
	"context"
	"database/sql"
	"fmt"
)

// DBChecker implements health checking for SQL databases.
type DBChecker struct {
	db     *sql.DB
	tables []string
}

// NewDBChecker creates a new database health checker. When tables are given,
// the check also fails until every one of them exists, so an instance is not
// marked ready before migrations have run.
func NewDBChecker(db *sql.DB, tables ...string) *DBChecker {
	return &DBChecker{
		db:     db,
		tables: tables,
	}
}

// HealthCheck pings the database and checks the required tables.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return err
	}
	for _, table := range d.tables {
		var exists bool
		if err := d.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("table %s does not exist", table)
		}
	}
	return nil
}
