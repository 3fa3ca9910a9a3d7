// Package statedb wraps a modernc.org/sqlite database holding the Delivery
// Engine's durable message queue and the Reminder Scheduler's
// registrations, so enqueued work and timer state survive a process
// restart. Adapted from the teacher's internal/statedb package (same WAL
// + busy-timeout + schema-version-table idiom), repurposed from
// session/group rows to message-queue rows.
package statedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema. Bump when adding
// migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database for durable queue/registration state.
// Thread-safe for concurrent use from multiple goroutines within one
// process; WAL mode + busy timeout additionally make it resilient to a
// second process (e.g. the CLI) opening the same file read-only.
type StateDB struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at dbPath with WAL mode and a
// busy timeout, mirroring the teacher's statedb.Open almost exactly.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: foreign keys: %w", err)
	}

	s := &StateDB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced use (e.g. tests).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// migrate creates tables if absent, and performs idempotent ALTER TABLE
// column-add migrations as spec.md §6 requires ("Schema migrations
// performed via ALTER TABLE with idempotent column checks").
func (s *StateDB) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS message_queue (
			id          TEXT PRIMARY KEY,
			target_id   TEXT NOT NULL,
			sender_id   TEXT NOT NULL DEFAULT '',
			parent_id   TEXT NOT NULL DEFAULT '',
			text        TEXT NOT NULL,
			mode        TEXT NOT NULL,
			category    TEXT NOT NULL DEFAULT '',
			queued_at   INTEGER NOT NULL,
			delivered_at INTEGER
		)
	`); err != nil {
		return fmt.Errorf("statedb: create message_queue: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_message_queue_target
		ON message_queue (target_id, delivered_at, queued_at)
	`); err != nil {
		return fmt.Errorf("statedb: create index: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS remind_registrations (
			target_id        TEXT PRIMARY KEY,
			parent_id         TEXT NOT NULL DEFAULT '',
			soft_threshold_s  INTEGER NOT NULL,
			hard_threshold_s  INTEGER NOT NULL,
			last_reset_at     INTEGER NOT NULL,
			soft_fired        INTEGER NOT NULL DEFAULT 0,
			active            INTEGER NOT NULL DEFAULT 1
		)
	`); err != nil {
		return fmt.Errorf("statedb: create remind_registrations: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS parent_wake_registrations (
			child_id                 TEXT PRIMARY KEY,
			parent_id                TEXT NOT NULL,
			period_s                 INTEGER NOT NULL,
			last_wake_at             INTEGER,
			last_status_at_prev_wake INTEGER,
			escalated                INTEGER NOT NULL DEFAULT 0,
			active                   INTEGER NOT NULL DEFAULT 1
		)
	`); err != nil {
		return fmt.Errorf("statedb: create parent_wake_registrations: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}
