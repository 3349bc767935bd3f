// Package database provides the SQL connection and applies the schema of registered repositories.
package database

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrUnsupportedDriver is returned by New for drivers other than postgres and sqlite3.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Database represents a database connection with schema migration capabilities.
type Database struct {
	conn      *sqlx.DB
	migrators map[string]migrator
	service   *service
}

// New connects using driver ("postgres" or "sqlite3") and the given connection string.
func New(driver, connection string) (*Database, error) {
	if driver != "postgres" && driver != "sqlite3" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sqlx.Connect(driver, connection)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite3" {
		// sqlite allows a single writer; one connection avoids "database is locked" under the worker pool.
		db.SetMaxOpenConns(1)
	}

	return &Database{conn: db, migrators: make(map[string]migrator), service: newService(newRepository(db))}, nil
}

// Connection returns the underlying sqlx database connection.
func (db *Database) Connection() *sqlx.DB {
	return db.conn
}

// Close closes the connection pool.
func (db *Database) Close() error {
	return db.conn.Close()
}

// RegisterRepository registers a repository in the database.
// If repository implements migrator interface, its schema is applied when Migrate is called.
func (db *Database) RegisterRepository(name string, repository any) {
	if migr, ok := repository.(migrator); ok {
		db.migrators[name] = migr
	}
}

// Migrate applies pending schema migrations of registered repositories,
// in repository name order. A failure reverts what this call applied.
func (db *Database) Migrate(ctx context.Context) error {
	err := db.service.migrateSelf(ctx)
	if err != nil {
		return err
	}

	applied, err := db.service.getMigrationLogs(ctx)
	if err != nil {
		return fmt.Errorf("failed to select migrations state: %w", err)
	}

	migrations := []Migration{}
	for _, name := range slices.Sorted(maps.Keys(db.migrators)) {
		parsed, err := ParseMigrations(db.migrators[name].Migrations())
		if err != nil {
			return fmt.Errorf("failed to parse migrations for %s: %w", name, err)
		}
		for _, migr := range parsed {
			migr.repository = name
			migrations = append(migrations, migr)
		}
	}

	return db.service.applyMigrations(ctx, migrations, applied)
}
