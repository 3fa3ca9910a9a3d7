// Package reminder implements the Reminder Scheduler (spec.md §4.4): child
// soft/hard reminder timers and parent-wake digest timers, each persisted
// via internal/statedb so registrations survive a restart.
//
// Grounded on the teacher's internal/tmux background polling goroutines
// (a ticker per watched resource, guarded by a stop channel) and the
// teacher's internal/session status-summary helpers, repurposed from
// "summarize a tmux pane" into "assemble a parent-wake digest".
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaysoc/soc/internal/logging"
	"github.com/relaysoc/soc/internal/model"
	"github.com/relaysoc/soc/internal/registry"
	"github.com/relaysoc/soc/internal/statedb"
	"github.com/relaysoc/soc/internal/tracker"
)

// Defaults per spec.md §4.4.
const (
	DefaultSoftThreshold     = 210 * time.Second
	DefaultHardThreshold     = 420 * time.Second
	DefaultParentWakePeriod  = 10 * time.Minute
	EscalatedParentWakePeriod = 5 * time.Minute
	CompactionWaitCeiling    = 5 * time.Minute
	pollInterval             = 5 * time.Second
)

// Enqueuer is the subset of the Delivery Engine the Scheduler drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, targetID, senderID, parentID, text string, mode model.DeliveryMode, category string) (*model.QueuedMessage, error)
}

// DigestSource supplies the child status text and recent tool-use entries
// for a parent-wake digest (spec.md §4.4), backed by internal/observability.
type DigestSource interface {
	StatusText(childID string) string
	RecentToolUse(childID string, n int) []string
	AgentStatusAt(childID string) time.Time
}

// Scheduler runs the child-reminder and parent-wake polling loops.
type Scheduler struct {
	db       *statedb.StateDB
	reg      *registry.Registry
	tr       *tracker.Tracker
	enqueuer Enqueuer
	digest   DigestSource
	logger   *slog.Logger

	mu        sync.Mutex
	reminders map[string]*model.RemindRegistration
	wakes     map[string]*model.ParentWakeRegistration

	stop chan struct{}
	wg   sync.WaitGroup

	compactionCeiling     time.Duration
	compactionPollInterval time.Duration

	defaultSoft time.Duration
	defaultHard time.Duration
}

// New wires a Scheduler. digest may be nil if observability isn't wired
// yet; digests then fall back to a bare status line.
func New(db *statedb.StateDB, reg *registry.Registry, tr *tracker.Tracker, enqueuer Enqueuer, digest DigestSource) *Scheduler {
	return &Scheduler{
		db:                     db,
		reg:                    reg,
		tr:                     tr,
		enqueuer:               enqueuer,
		digest:                 digest,
		logger:                 logging.ForComponent(logging.CompReminder),
		reminders:              make(map[string]*model.RemindRegistration),
		wakes:                  make(map[string]*model.ParentWakeRegistration),
		stop:                   make(chan struct{}),
		compactionCeiling:      CompactionWaitCeiling,
		compactionPollInterval: time.Second,
		defaultSoft:            DefaultSoftThreshold,
		defaultHard:            DefaultHardThreshold,
	}
}

// SetDefaultThresholds overrides the soft/hard durations RegisterChildReminder
// uses, per config.ReminderConfig. Has no effect on registrations already
// in flight.
func (s *Scheduler) SetDefaultThresholds(soft, hard time.Duration) {
	s.defaultSoft = soft
	s.defaultHard = hard
}

// SetCompactionPolling overrides the compaction-interlock ceiling and poll
// interval, for tests.
func (s *Scheduler) SetCompactionPolling(ceiling, pollInterval time.Duration) {
	s.compactionCeiling = ceiling
	s.compactionPollInterval = pollInterval
}

// Start launches the background polling loop and restores any active
// registrations from statedb (crash recovery).
func (s *Scheduler) Start(ctx context.Context) error {
	childRegs, err := s.db.LoadActiveRemindRegistrations()
	if err != nil {
		return err
	}
	wakeRegs, err := s.db.LoadActiveParentWakeRegistrations()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, r := range childRegs {
		s.reminders[r.TargetID] = r
	}
	for _, r := range wakeRegs {
		s.wakes[r.ChildID] = r
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the polling loop.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	reminders := make([]*model.RemindRegistration, 0, len(s.reminders))
	for _, r := range s.reminders {
		reminders = append(reminders, r)
	}
	wakes := make([]*model.ParentWakeRegistration, 0, len(s.wakes))
	for _, r := range s.wakes {
		wakes = append(wakes, r)
	}
	s.mu.Unlock()

	for _, r := range reminders {
		s.tickChildReminder(ctx, r, now)
	}
	for _, r := range wakes {
		s.tickParentWake(ctx, r, now)
	}
}

// RegisterChildReminder starts soft/hard timers for targetID, per spec.md
// §4.4. Called on dispatch-mode (system-initiated) delivery.
func (s *Scheduler) RegisterChildReminder(targetID, parentID string) error {
	return s.RegisterChildReminderWithThresholds(targetID, parentID, s.defaultSoft, s.defaultHard)
}

// RegisterChildReminderWithThresholds is RegisterChildReminder with
// caller-supplied soft/hard durations, used by POST /sessions/{id}/input's
// optional remind_soft_s/remind_hard_s overrides.
func (s *Scheduler) RegisterChildReminderWithThresholds(targetID, parentID string, soft, hard time.Duration) error {
	r := &model.RemindRegistration{
		TargetID:      targetID,
		ParentID:      parentID,
		SoftThreshold: soft,
		HardThreshold: hard,
		LastResetAt:   time.Now(),
		Active:        true,
	}
	s.mu.Lock()
	s.reminders[targetID] = r
	s.mu.Unlock()
	return s.db.SaveRemindRegistration(r)
}

// ResetChildReminder resets last_reset_at and clears soft_fired, per an
// explicit "agent status update" RPC.
func (s *Scheduler) ResetChildReminder(targetID string) error {
	s.mu.Lock()
	r, ok := s.reminders[targetID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	r.LastResetAt = time.Now()
	r.SoftFired = false
	cp := *r
	s.mu.Unlock()
	return s.db.SaveRemindRegistration(&cp)
}

// CancelChildReminder removes a target's reminder registration (called on
// target idle/stop).
func (s *Scheduler) CancelChildReminder(targetID string) error {
	s.mu.Lock()
	delete(s.reminders, targetID)
	s.mu.Unlock()
	return s.db.DeleteRemindRegistration(targetID)
}

func (s *Scheduler) tickChildReminder(ctx context.Context, r *model.RemindRegistration, now time.Time) {
	session := s.reg.Get(r.TargetID)
	if session == nil {
		_ = s.CancelChildReminder(r.TargetID)
		return
	}
	if session.IsCompacting {
		return
	}
	if s.tr.IsIdle(r.TargetID) {
		_ = s.CancelChildReminder(r.TargetID)
		return
	}

	elapsed := now.Sub(r.LastResetAt)

	if elapsed >= r.HardThreshold {
		_, _ = s.enqueuer.Enqueue(ctx, r.TargetID, "reminder-scheduler", r.ParentID,
			"still waiting on a response", model.ModeUrgent, model.ContextMonitorCategory)
		return
	}

	if elapsed >= r.SoftThreshold && !r.SoftFired {
		s.mu.Lock()
		r.SoftFired = true
		cp := *r
		s.mu.Unlock()
		_ = s.db.SaveRemindRegistration(&cp)
		_, _ = s.enqueuer.Enqueue(ctx, r.TargetID, "reminder-scheduler", r.ParentID,
			"checking in on progress", model.ModeImportant, model.ContextMonitorCategory)
	}
}

// RegisterParentWake starts a 10-minute digest timer from childID to
// parentID, per spec.md §4.4. Called alongside RegisterChildReminder when
// the child has a known parent.
func (s *Scheduler) RegisterParentWake(childID, parentID string) error {
	r := &model.ParentWakeRegistration{
		ChildID:    childID,
		ParentID:   parentID,
		Period:     DefaultParentWakePeriod,
		LastWakeAt: time.Now(),
		Active:     true,
	}
	s.mu.Lock()
	s.wakes[childID] = r
	s.mu.Unlock()
	return s.db.SaveParentWakeRegistration(r)
}

// CancelParentWake removes a parent-wake registration (called when the
// child goes idle).
func (s *Scheduler) CancelParentWake(childID string) error {
	s.mu.Lock()
	delete(s.wakes, childID)
	s.mu.Unlock()
	return s.db.DeleteParentWakeRegistration(childID)
}

func (s *Scheduler) tickParentWake(ctx context.Context, r *model.ParentWakeRegistration, now time.Time) {
	session := s.reg.Get(r.ChildID)
	if session == nil {
		_ = s.CancelParentWake(r.ChildID)
		return
	}
	if s.tr.IsIdle(r.ChildID) {
		_ = s.CancelParentWake(r.ChildID)
		return
	}
	if s.reg.Get(r.ParentID) == nil {
		s.logger.Warn("parent_wake_parent_gone", slog.String("child_id", r.ChildID), slog.String("parent_id", r.ParentID))
		_ = s.CancelParentWake(r.ChildID)
		return
	}
	if now.Sub(r.LastWakeAt) < r.Period {
		return
	}

	var statusAt time.Time
	if s.digest != nil {
		statusAt = s.digest.AgentStatusAt(r.ChildID)
	}

	s.mu.Lock()
	unchanged := !r.LastStatusAtPrevWake.IsZero() && statusAt.Equal(r.LastStatusAtPrevWake)
	if unchanged && !r.Escalated {
		r.Period = EscalatedParentWakePeriod
		r.Escalated = true
	}
	r.LastWakeAt = now
	r.LastStatusAtPrevWake = statusAt
	cp := *r
	s.mu.Unlock()
	_ = s.db.SaveParentWakeRegistration(&cp)

	text := s.buildDigest(r.ChildID)
	_, _ = s.enqueuer.Enqueue(ctx, r.ParentID, r.ChildID, "", text, model.ModeImportant, model.ContextMonitorCategory)
}

func (s *Scheduler) buildDigest(childID string) string {
	if s.digest == nil {
		return fmt.Sprintf("child %s: status unavailable", childID)
	}
	entries := s.digest.RecentToolUse(childID, 5)
	text := fmt.Sprintf("child %s: %s", childID, s.digest.StatusText(childID))
	for _, e := range entries {
		text += "\n  " + e
	}
	return text
}

// WaitForCompactionThenEnqueue implements spec.md §4.4's compaction
// interlock for the one-shot reminder path: it blocks (polling, not
// busy-waiting) while the session is compacting, up to CompactionWaitCeiling,
// then delivers anyway and logs if the ceiling is hit.
func (s *Scheduler) WaitForCompactionThenEnqueue(ctx context.Context, targetID, senderID, parentID, text string, mode model.DeliveryMode, category string, onCeilingHit func()) (*model.QueuedMessage, error) {
	deadline := time.Now().Add(s.compactionCeiling)
	for {
		session := s.reg.Get(targetID)
		if session == nil || !session.IsCompacting {
			break
		}
		if time.Now().After(deadline) {
			if onCeilingHit != nil {
				onCeilingHit()
			}
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.compactionPollInterval):
		}
	}
	return s.enqueuer.Enqueue(ctx, targetID, senderID, parentID, text, mode, category)
}
