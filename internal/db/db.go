// Package db provides the SQLite-backed local store of the sync core.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/diabetactic/glucosync/internal/db/migrations"
	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "glucosync.db"

// DB wraps the sql.DB with glucosync-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the device database in dataDir and applies pending migrations.
// The database is opened with:
// - WAL mode for concurrent reads during a push
// - Foreign key constraints enabled
// - A single connection, since SQLite has one writer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	m := NewMigrator(sqlDB, migrations.FS)
	if err := m.Initialize(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &DB{sqlDB}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
