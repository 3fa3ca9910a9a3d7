// Package observability implements the read-only-from-HTTP telemetry store
// SPEC_FULL.md §9 adds: tokens_used, last_tool_call, last_tool_name per
// session, plus a bounded tool-use history the Reminder Scheduler's parent
// wake digest reads (spec.md §4.4, "last 5 tool-use entries from the
// observability store").
//
// Grounded on the teacher's internal/statedb schema-migration idiom
// (separate sqlite file, same WAL/busy-timeout pragmas), kept as a second
// database so hook-driven telemetry writes never contend with the
// Delivery Engine's queue writes.
package observability

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists per-session telemetry and tool-use history.
type Store struct {
	db *sql.DB
}

// Open creates or opens a telemetry database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("observability: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("observability: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("observability: wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("observability: busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("observability: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS tool_use_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			tool_name  TEXT NOT NULL,
			target     TEXT NOT NULL DEFAULT '',
			occurred_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("observability: create tool_use_events: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tool_use_session
		ON tool_use_events (session_id, occurred_at)
	`); err != nil {
		return fmt.Errorf("observability: create index: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS session_status (
			session_id        TEXT PRIMARY KEY,
			tokens_used       INTEGER NOT NULL DEFAULT 0,
			current_task      TEXT NOT NULL DEFAULT '',
			agent_status_at   INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("observability: create session_status: %w", err)
	}

	return tx.Commit()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordToolUse appends a tool-use event for a PreToolUse/PostToolUse hook.
func (s *Store) RecordToolUse(sessionID, toolName, target string) error {
	_, err := s.db.Exec(`
		INSERT INTO tool_use_events (session_id, tool_name, target, occurred_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, toolName, target, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("observability: record tool use: %w", err)
	}
	return nil
}

// ToolUseEntry is one formatted history line.
type ToolUseEntry struct {
	ToolName   string
	Target     string
	OccurredAt time.Time
}

// RecentToolUse returns up to n most recent tool-use entries for
// sessionID, newest first.
func (s *Store) RecentToolUse(sessionID string, n int) []string {
	rows, err := s.db.Query(`
		SELECT tool_name, target, occurred_at
		FROM tool_use_events
		WHERE session_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`, sessionID, n)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var toolName, target string
		var occurredAtNS int64
		if err := rows.Scan(&toolName, &target, &occurredAtNS); err != nil {
			continue
		}
		ts := time.Unix(0, occurredAtNS).Format(time.Kitchen)
		if target != "" {
			out = append(out, fmt.Sprintf("%s %s(%s)", ts, toolName, target))
		} else {
			out = append(out, fmt.Sprintf("%s %s", ts, toolName))
		}
	}
	return out
}

// UpdateStatus upserts the tokens/task/status-timestamp fields a
// context_usage hook or agent-status RPC reports.
func (s *Store) UpdateStatus(sessionID string, tokensUsed int64, currentTask string) error {
	_, err := s.db.Exec(`
		INSERT INTO session_status (session_id, tokens_used, current_task, agent_status_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			tokens_used = excluded.tokens_used,
			current_task = excluded.current_task,
			agent_status_at = excluded.agent_status_at
	`, sessionID, tokensUsed, currentTask, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("observability: update status: %w", err)
	}
	return nil
}

// StatusText returns a one-line status summary for sessionID, used by the
// Reminder Scheduler's parent-wake digest.
func (s *Store) StatusText(sessionID string) string {
	var tokensUsed int64
	var currentTask string
	row := s.db.QueryRow(`SELECT tokens_used, current_task FROM session_status WHERE session_id = ?`, sessionID)
	if err := row.Scan(&tokensUsed, &currentTask); err != nil {
		return "no status recorded"
	}
	if currentTask == "" {
		return fmt.Sprintf("%d tokens used", tokensUsed)
	}
	return fmt.Sprintf("%s (%d tokens used)", currentTask, tokensUsed)
}

// AgentStatusAt returns the timestamp of the last status update for
// sessionID, used by the Reminder Scheduler to detect an unchanged digest
// between parent-wake ticks.
func (s *Store) AgentStatusAt(sessionID string) time.Time {
	var atNS int64
	row := s.db.QueryRow(`SELECT agent_status_at FROM session_status WHERE session_id = ?`, sessionID)
	if err := row.Scan(&atNS); err != nil || atNS == 0 {
		return time.Time{}
	}
	return time.Unix(0, atNS)
}
