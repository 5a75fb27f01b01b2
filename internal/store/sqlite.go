// Package store owns the single SQLite connection shared by every
// durable component (C1 audit, C2 updates, C3 queue, C4 rate-limit
// counters, C5 chat locks, C10 sessions/messages). Grounded on the
// teacher's internal/db/sqlite.go: single connection, WAL mode,
// pure-Go driver, goose-managed schema.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/relaybot/core/internal/store/migrations"
)

// Store wraps the shared *sql.DB. Every component package takes a
// *Store (or its *sql.DB) rather than opening its own connection.
type Store struct {
	DB *sql.DB
}

// Open creates the database file (if needed), applies pending
// migrations, and returns a ready Store. SQLite does not tolerate
// concurrent writers well, so the pool is capped at one connection —
// callers serialize writes at the application layer (queue claims,
// lock CAS, counter upserts are each a single statement, so this is
// not a bottleneck).
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating db directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("store: setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping is used by the /readyz handler (spec.md §6).
func (s *Store) Ping() error {
	return s.DB.Ping()
}
