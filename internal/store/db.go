// Package store owns the daemon's sqlite index database at
// ~/.finger/index.db: the event archive that backs websocket catch-up
// and timeline queries, and the callback mailbox that lets clients
// fetch completions across daemon restarts.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fingerhq/finger/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite connection and provides access to repositories.
type DB struct {
	conn *sql.DB
	path string

	archive *EventArchive
	mailbox *Mailbox
}

// NewDB opens (creating if needed) the index database at path, backs up
// any existing file, applies pending migrations, and returns the handle.
// The parent directory is created with 0700 permissions.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Snapshot the previous file before migrations can touch it.
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("failed to back up database: %w", err)
		}
		log.Debug(log.CatStore, "database backed up", "path", path+".bak")
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Info(log.CatStore, "index database ready", "path", path)
	return &DB{
		conn:    conn,
		path:    path,
		archive: newEventArchive(conn),
		mailbox: newMailbox(conn),
	}, nil
}

// EventArchive returns the archive repository backed by this database.
func (db *DB) EventArchive() *EventArchive {
	return db.archive
}

// Mailbox returns the callback mailbox backed by this database.
func (db *DB) Mailbox() *Mailbox {
	return db.mailbox
}

// Connection exposes the underlying *sql.DB for callers that need it.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close releases the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// runMigrations applies embedded migrations through golang-migrate using
// an in-process driver over the already-open connection. The bundled
// sqlite drivers register their own "sqlite3" database/sql driver, which
// collides with ncruces; driving migrate directly avoids that.
func runMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	drv, err := newMigrationDriver(conn)
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "finger", drv)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
