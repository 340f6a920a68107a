package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4/database"
)

const versionTable = "schema_migrations"

// migrationDriver adapts an already-open *sql.DB to migrate's database
// driver interface. Migrations run in a transaction; the version table
// tracks the applied schema version the same way migrate's bundled
// sqlite drivers do.
type migrationDriver struct {
	db       *sql.DB
	isLocked atomic.Bool
}

var _ database.Driver = (*migrationDriver)(nil)

func newMigrationDriver(db *sql.DB) (*migrationDriver, error) {
	d := &migrationDriver{db: db}
	if err := d.ensureVersionTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *migrationDriver) ensureVersionTable() error {
	_, err := d.db.Exec(
		`CREATE TABLE IF NOT EXISTS ` + versionTable + ` (version BIGINT NOT NULL, dirty BOOLEAN NOT NULL)`,
	)
	if err != nil {
		return fmt.Errorf("failed to create version table: %w", err)
	}
	return nil
}

// Open is unused: the driver is always constructed over an existing
// connection via NewWithInstance.
func (d *migrationDriver) Open(string) (database.Driver, error) {
	return nil, errors.New("migration driver does not support opening by url")
}

// Close is a no-op because the connection is owned by the DB struct.
func (d *migrationDriver) Close() error {
	return nil
}

func (d *migrationDriver) Lock() error {
	if !d.isLocked.CompareAndSwap(false, true) {
		return database.ErrLocked
	}
	return nil
}

func (d *migrationDriver) Unlock() error {
	if !d.isLocked.CompareAndSwap(true, false) {
		return database.ErrNotLocked
	}
	return nil
}

func (d *migrationDriver) Run(migration io.Reader) error {
	stmts, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("failed to read migration: %w", err)
	}
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	if _, err := tx.Exec(string(stmts)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration failed: %w", err)
	}
	return tx.Commit()
}

func (d *migrationDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin version transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM ` + versionTable); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to clear version: %w", err)
	}
	// NilVersion with dirty set still needs a row so a failed first
	// migration is detectable on the next run.
	if version >= 0 || (version == database.NilVersion && dirty) {
		if _, err := tx.Exec(
			`INSERT INTO `+versionTable+` (version, dirty) VALUES (?, ?)`, version, dirty,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record version: %w", err)
		}
	}
	return tx.Commit()
}

func (d *migrationDriver) Version() (int, bool, error) {
	var (
		version int
		dirty   bool
	)
	err := d.db.QueryRow(`SELECT version, dirty FROM ` + versionTable + ` LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read version: %w", err)
	}
	return version, dirty, nil
}

func (d *migrationDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("error iterating tables: %w", err)
	}
	_ = rows.Close()

	for _, name := range tables {
		if _, err := d.db.Exec(`DROP TABLE IF EXISTS "` + name + `"`); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", name, err)
		}
	}
	return nil
}
