// Package store is the event-sourced persistence layer: an append-only event
// log plus materialized projections, backed by SQLite (default) or PostgreSQL.
//
// The events table is the source of truth. Every projection table (files,
// conversations, messages, tool calls, AHDB, run telemetry, checkpoints) is
// derived from it by the materializer and can be rebuilt from the log alone.
// Work items, runs, and sync_state are orchestrator-owned operational tables.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	_ "github.com/mattn/go-sqlite3"    // sqlite driver for database/sql

	"github.com/choiros/choird/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// DriverSQLite and DriverPostgres are the supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// openDB opens the configured database, applies connection pool settings,
// and runs any pending embedded migrations.
func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case DriverSQLite:
		// _busy_timeout keeps concurrent readers from failing fast while the
		// single writer holds the lock; foreign keys stay advisory because
		// rebuilds delete and reinsert in bulk.
		db, err = sql.Open("sqlite3", cfg.DSN+"?_busy_timeout=5000&_journal_mode=WAL")
	case DriverPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unsupported database driver %q", ErrInvalidInput, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// runMigrations applies embedded golang-migrate migrations for the dialect.
// Files are embedded so production binaries never depend on external SQL.
func runMigrations(db *sql.DB, driver string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case DriverSQLite:
		instance, derr := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create sqlite migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "choird", instance)
	case DriverPostgres:
		instance, derr := migratepg.WithInstance(db, &migratepg.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create postgres migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "choird", instance)
	default:
		return fmt.Errorf("%w: unsupported database driver %q", ErrInvalidInput, driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB out from under the store.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// MigrationVersion reports the current schema version and dirty flag.
func MigrationVersion(db *sql.DB, driver string) (uint, bool, error) {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migration source: %w", err)
	}
	defer func() { _ = sourceDriver.Close() }()

	var m *migrate.Migrate
	switch driver {
	case DriverSQLite:
		instance, derr := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if derr != nil {
			return 0, false, derr
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "choird", instance)
	case DriverPostgres:
		instance, derr := migratepg.WithInstance(db, &migratepg.Config{})
		if derr != nil {
			return 0, false, derr
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "choird", instance)
	default:
		return 0, false, fmt.Errorf("%w: unsupported database driver %q", ErrInvalidInput, driver)
	}
	if err != nil {
		return 0, false, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// rebind converts ?-style placeholders to the dialect's form. SQL in this
// package is written once with ? and converted for postgres on the way out.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}
