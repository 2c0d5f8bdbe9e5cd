// Package opdb provides a thin client for the PFS operational database
// (PostgreSQL), restricted to what visit bookkeeping needs: existence checks
// against the exposure tables and registration of newly realized pfsConfigs.
package opdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const defaultDSN = "postgres://pfs@localhost/opdb?sslmode=disable"

// Tables a visit may record exposures in, keyed by caller role. Queries are
// built by name, so only these are accepted.
var exposureTables = map[string]bool{
	"agc_exposure": true,
	"mcs_exposure": true,
	"sps_visit":    true,
}

// Connection wraps the database handle. A nil *Connection behaves like an
// empty database, so bench setups can run without opdb.
type Connection struct {
	db *sql.DB
}

// Connect opens and pings the operational database.
func Connect(dsn string) (*Connection, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open opdb: %w", err)
	}
	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping opdb: %w", err)
	}
	return &Connection{db: db}, nil
}

// Close releases the underlying pool.
func (c *Connection) Close() {
	if c != nil && c.db != nil {
		c.db.Close()
	}
}

// ExposureExists reports whether any exposure row exists for visit in table.
func (c *Connection) ExposureExists(table string, visit int) (bool, error) {
	if !exposureTables[table] {
		return false, fmt.Errorf("unknown exposure table %q", table)
	}
	if c == nil || c.db == nil {
		return false, nil
	}
	query := fmt.Sprintf("SELECT pfs_visit_id FROM %s WHERE pfs_visit_id = $1 LIMIT 1", table)
	return c.fetchOne(query, visit)
}

// PfsConfigExists reports whether a pfsConfig row is already registered for visit.
func (c *Connection) PfsConfigExists(visit int) (bool, error) {
	if c == nil || c.db == nil {
		return false, nil
	}
	return c.fetchOne("SELECT visit0 FROM pfs_config WHERE visit0 = $1 LIMIT 1", visit)
}

// ConvergenceFailed reports whether the pfsConfig registered for visit carries
// a failed convergence status. No row means no failure recorded.
func (c *Connection) ConvergenceFailed(visit int) (bool, error) {
	if c == nil || c.db == nil {
		return false, nil
	}
	var converged bool
	row := c.db.QueryRow("SELECT was_converged FROM pfs_config WHERE visit0 = $1", visit)
	if err := row.Scan(&converged); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("opdb convergence status for visit %d: %w", visit, err)
	}
	return !converged, nil
}

// InsertPfsConfig registers a newly realized pfsConfig with the downstream
// catalog. Fire-and-forget from the caller's perspective: a failure is
// reported but nothing here retries it.
func (c *Connection) InsertPfsConfig(designID uint64, visit int, converged bool) error {
	if c == nil || c.db == nil {
		return nil
	}
	_, err := c.db.Exec(
		"INSERT INTO pfs_config (pfs_design_id, visit0, was_converged, created_at) VALUES ($1, $2, $3, $4)",
		int64(designID), visit, converged, time.Now())
	if err != nil {
		return fmt.Errorf("opdb insert pfs_config 0x%016x visit %d: %w", designID, visit, err)
	}
	return nil
}

func (c *Connection) fetchOne(query string, args ...interface{}) (bool, error) {
	var got int
	row := c.db.QueryRow(query, args...)
	if err := row.Scan(&got); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("opdb query %q: %w", query, err)
	}
	return true, nil
}
