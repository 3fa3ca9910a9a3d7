package statedb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/relaysoc/soc/internal/model"
)

// InsertMessage durably stores a new undelivered message.
func (s *StateDB) InsertMessage(m *model.QueuedMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO message_queue (id, target_id, sender_id, parent_id, text, mode, category, queued_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, m.ID, m.TargetID, m.SenderID, m.ParentID, m.Text, string(m.Mode), m.Category, m.QueuedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("statedb: insert message: %w", err)
	}
	return nil
}

// MarkDelivered stamps delivered_at on a message row.
func (s *StateDB) MarkDelivered(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE message_queue SET delivered_at = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("statedb: mark delivered: %w", err)
	}
	return nil
}

// PendingForTarget returns every undelivered message for targetID, ordered
// FIFO by queued_at — the ordering invariant spec.md §8 property 1 requires.
func (s *StateDB) PendingForTarget(targetID string) ([]*model.QueuedMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, target_id, sender_id, parent_id, text, mode, category, queued_at
		FROM message_queue
		WHERE target_id = ? AND delivered_at IS NULL
		ORDER BY queued_at ASC
	`, targetID)
	if err != nil {
		return nil, fmt.Errorf("statedb: pending for target: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// AllPending returns every undelivered message across all targets, used by
// crash recovery to re-enter the flush pipeline.
func (s *StateDB) AllPending() ([]*model.QueuedMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, target_id, sender_id, parent_id, text, mode, category, queued_at
		FROM message_queue
		WHERE delivered_at IS NULL
		ORDER BY queued_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: all pending: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*model.QueuedMessage, error) {
	var out []*model.QueuedMessage
	for rows.Next() {
		var m model.QueuedMessage
		var mode string
		var queuedAtNS int64
		if err := rows.Scan(&m.ID, &m.TargetID, &m.SenderID, &m.ParentID, &m.Text, &mode, &m.Category, &queuedAtNS); err != nil {
			return nil, fmt.Errorf("statedb: scan message: %w", err)
		}
		m.Mode = model.DeliveryMode(mode)
		m.QueuedAt = time.Unix(0, queuedAtNS)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteMessage removes a row outright (used for discarding messages whose
// target no longer exists).
func (s *StateDB) DeleteMessage(id string) error {
	_, err := s.db.Exec(`DELETE FROM message_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("statedb: delete message: %w", err)
	}
	return nil
}

// DeleteAllForTarget removes every row (delivered or not) targeting
// targetID. Used when a session is removed from the registry.
func (s *StateDB) DeleteAllForTarget(targetID string) error {
	_, err := s.db.Exec(`DELETE FROM message_queue WHERE target_id = ?`, targetID)
	if err != nil {
		return fmt.Errorf("statedb: delete all for target: %w", err)
	}
	return nil
}

// CancelContextMonitorMessagesFrom deletes undelivered rows where
// sender_id = senderID AND category = context_monitor, and returns the
// count removed. It never touches category = '' (user traffic) rows —
// spec.md §8 property 4.
func (s *StateDB) CancelContextMonitorMessagesFrom(senderID string) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM message_queue
		WHERE sender_id = ? AND category = ? AND delivered_at IS NULL
	`, senderID, model.ContextMonitorCategory)
	if err != nil {
		return 0, fmt.Errorf("statedb: cancel context monitor messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
