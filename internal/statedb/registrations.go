package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relaysoc/soc/internal/model"
)

func unixOrZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func timeFromNullable(ns sql.NullInt64) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return time.Unix(0, ns.Int64)
}

// SaveRemindRegistration upserts a child reminder registration.
func (s *StateDB) SaveRemindRegistration(r *model.RemindRegistration) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO remind_registrations
			(target_id, parent_id, soft_threshold_s, hard_threshold_s, last_reset_at, soft_fired, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.TargetID, r.ParentID, int64(r.SoftThreshold.Seconds()), int64(r.HardThreshold.Seconds()),
		r.LastResetAt.UnixNano(), boolToInt(r.SoftFired), boolToInt(r.Active))
	if err != nil {
		return fmt.Errorf("statedb: save remind registration: %w", err)
	}
	return nil
}

// DeleteRemindRegistration removes a reminder registration outright.
func (s *StateDB) DeleteRemindRegistration(targetID string) error {
	_, err := s.db.Exec(`DELETE FROM remind_registrations WHERE target_id = ?`, targetID)
	if err != nil {
		return fmt.Errorf("statedb: delete remind registration: %w", err)
	}
	return nil
}

// LoadActiveRemindRegistrations returns every active registration, for
// crash recovery.
func (s *StateDB) LoadActiveRemindRegistrations() ([]*model.RemindRegistration, error) {
	rows, err := s.db.Query(`
		SELECT target_id, parent_id, soft_threshold_s, hard_threshold_s, last_reset_at, soft_fired, active
		FROM remind_registrations WHERE active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: load remind registrations: %w", err)
	}
	defer rows.Close()

	var out []*model.RemindRegistration
	for rows.Next() {
		var r model.RemindRegistration
		var softS, hardS, lastResetNS int64
		var softFired, active int
		if err := rows.Scan(&r.TargetID, &r.ParentID, &softS, &hardS, &lastResetNS, &softFired, &active); err != nil {
			return nil, fmt.Errorf("statedb: scan remind registration: %w", err)
		}
		r.SoftThreshold = time.Duration(softS) * time.Second
		r.HardThreshold = time.Duration(hardS) * time.Second
		r.LastResetAt = time.Unix(0, lastResetNS)
		r.SoftFired = softFired != 0
		r.Active = active != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveParentWakeRegistration upserts a parent-wake registration.
func (s *StateDB) SaveParentWakeRegistration(r *model.ParentWakeRegistration) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO parent_wake_registrations
			(child_id, parent_id, period_s, last_wake_at, last_status_at_prev_wake, escalated, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ChildID, r.ParentID, int64(r.Period.Seconds()), unixOrZero(r.LastWakeAt),
		unixOrZero(r.LastStatusAtPrevWake), boolToInt(r.Escalated), boolToInt(r.Active))
	if err != nil {
		return fmt.Errorf("statedb: save parent wake registration: %w", err)
	}
	return nil
}

// DeleteParentWakeRegistration removes a parent-wake registration outright.
func (s *StateDB) DeleteParentWakeRegistration(childID string) error {
	_, err := s.db.Exec(`DELETE FROM parent_wake_registrations WHERE child_id = ?`, childID)
	if err != nil {
		return fmt.Errorf("statedb: delete parent wake registration: %w", err)
	}
	return nil
}

// LoadActiveParentWakeRegistrations returns every active registration, for
// crash recovery.
func (s *StateDB) LoadActiveParentWakeRegistrations() ([]*model.ParentWakeRegistration, error) {
	rows, err := s.db.Query(`
		SELECT child_id, parent_id, period_s, last_wake_at, last_status_at_prev_wake, escalated, active
		FROM parent_wake_registrations WHERE active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: load parent wake registrations: %w", err)
	}
	defer rows.Close()

	var out []*model.ParentWakeRegistration
	for rows.Next() {
		var r model.ParentWakeRegistration
		var periodS int64
		var lastWake, lastStatus sql.NullInt64
		var escalated, active int
		if err := rows.Scan(&r.ChildID, &r.ParentID, &periodS, &lastWake, &lastStatus, &escalated, &active); err != nil {
			return nil, fmt.Errorf("statedb: scan parent wake registration: %w", err)
		}
		r.Period = time.Duration(periodS) * time.Second
		r.LastWakeAt = timeFromNullable(lastWake)
		r.LastStatusAtPrevWake = timeFromNullable(lastStatus)
		r.Escalated = escalated != 0
		r.Active = active != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ErrNoRows is a convenience alias for sql.ErrNoRows so callers outside
// this package don't need to import database/sql.
var ErrNoRows = errors.New("statedb: no rows")
