// Package handoff implements the Handoff Coordinator (spec.md §4.5): the
// atomic context-reset protocol that snapshots a pane, arms the Tracker's
// skip fence, issues /clear through the two-phase injection contract, and
// re-primes the agent with a continuation prompt once the clear hook has
// been routed through the pending-handoff branch.
//
// Grounded on the teacher's internal/tmux scrollback-capture helpers
// (CaptureFullHistory) for the snapshot step, and the teacher's
// atomic-file-write idiom (internal/session/storage.go) for writing the
// dump file.
package handoff

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaysoc/soc/internal/model"
	"github.com/relaysoc/soc/internal/registry"
	"github.com/relaysoc/soc/internal/terminaldriver"
	"github.com/relaysoc/soc/internal/tracker"
)

// ClearCommand is the literal text injected to reset an agent's context.
const ClearCommand = "/clear"

// WakeWaitTimeout bounds how long Handoff waits for the clear hook to be
// routed through the pending-handoff branch before giving up and logging
// an abandoned handoff (spec.md §7: "if /clear injection failed, the
// handoff is abandoned").
const WakeWaitTimeout = 10 * time.Second

// Locker matches the delivery lock interface so Handoff can serialize
// against the Delivery Engine's per-target lock (spec.md §4.5 invariant:
// "a handoff must not race with a user send").
type Locker interface {
	Lock(targetID string) (unlock func())
}

// ContextCanceller matches delivery.Engine.CancelContextMonitorMessagesFrom,
// used to invalidate stale context-monitor traffic once a clear has taken
// effect (spec.md §4.1: "cancel_context_monitor_messages_from(S) ... called
// on session clear").
type ContextCanceller interface {
	CancelContextMonitorMessagesFrom(senderID string) (int, error)
}

// ReminderInterlock is the subset of the Reminder Scheduler Handoff drives:
// cancelling stale child/parent-wake registrations that no longer apply
// once the pane has been cleared, and the compaction-interlocked wake-message
// enqueue (spec.md §4.4's compaction interlock applies to the handoff wake
// message the same as any other one-shot reminder delivery).
type ReminderInterlock interface {
	CancelChildReminder(targetID string) error
	CancelParentWake(childID string) error
	WaitForCompactionThenEnqueue(ctx context.Context, targetID, senderID, parentID, text string, mode model.DeliveryMode, category string, onCeilingHit func()) (*model.QueuedMessage, error)
}

// DefaultSettleDelay mirrors delivery.DefaultSettleDelay: the handoff clear
// injection uses the same two-phase contract as ordinary delivery (spec.md
// §4.5 step 4 references §4.2's contract verbatim).
const DefaultSettleDelay = 300 * time.Millisecond

// MinSettleDelay is the floor SetSettleDelay enforces.
const MinSettleDelay = 300 * time.Millisecond

// Coordinator runs the Handoff protocol.
type Coordinator struct {
	reg          *registry.Registry
	tr           *tracker.Tracker
	driver       terminaldriver.TerminalDriver
	ctxCanceller ContextCanceller
	reminders    ReminderInterlock
	locker       Locker

	dataDir     string // base dir for handoff snapshots, e.g. ~/.local/share/<app>/handoffs
	settleDelay time.Duration

	mu      sync.Mutex
	pending map[string]chan struct{} // targetID -> woken-up signal, while a handoff is in flight
}

// New wires a Coordinator. dataDir is the root under which
// <id>-<ts>/dump.txt snapshot directories are created.
func New(reg *registry.Registry, tr *tracker.Tracker, driver terminaldriver.TerminalDriver, ctxCanceller ContextCanceller, reminders ReminderInterlock, locker Locker, dataDir string) *Coordinator {
	return &Coordinator{
		reg:          reg,
		tr:           tr,
		driver:       driver,
		ctxCanceller: ctxCanceller,
		reminders:    reminders,
		locker:       locker,
		dataDir:      dataDir,
		settleDelay:  DefaultSettleDelay,
		pending:      make(map[string]chan struct{}),
	}
}

// SetSettleDelay overrides the clear injection's settle delay, per
// config.DeliveryConfig.SettleDelayMS. Clamped to MinSettleDelay.
func (c *Coordinator) SetSettleDelay(d time.Duration) {
	if d < MinSettleDelay {
		d = MinSettleDelay
	}
	c.settleDelay = d
}

// Handoff runs the full atomic context-reset protocol for targetID,
// re-priming with continuationPath once the clear hook has been absorbed.
// pipeLogPath is the always-on pipe-log path referenced unconditionally in
// the wake message (spec.md §4.5 step 1).
func (c *Coordinator) Handoff(ctx context.Context, targetID, continuationPath, pipeLogPath string) error {
	unlock := c.locker.Lock(targetID)
	defer unlock()

	session := c.reg.Get(targetID)
	if session == nil {
		return fmt.Errorf("handoff: %s: %w", targetID, model.ErrNotFound)
	}

	snapshotPath, snapErr := c.snapshot(ctx, targetID, session.TmuxName)

	c.tr.ArmSkipFence(targetID)
	c.tr.SetPendingHandoffPath(targetID, continuationPath)

	woken := make(chan struct{})
	c.mu.Lock()
	c.pending[targetID] = woken
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, targetID)
		c.mu.Unlock()
	}()

	if err := c.inject(ctx, session.TmuxName, ClearCommand); err != nil {
		// Abandoned: skip fence drains by TTL, no wake message queued
		// (spec.md §7).
		return fmt.Errorf("handoff: clear injection: %w", err)
	}

	select {
	case <-woken:
	case <-time.After(WakeWaitTimeout):
		return fmt.Errorf("handoff: %w: clear hook never routed within %s", model.ErrHookRace, WakeWaitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	// The pane is now confirmed clear: any context-monitor traffic targetID
	// itself had queued (e.g. a stale parent-wake digest) no longer applies,
	// and its child/parent-wake reminder timers are reset by the wake
	// message below rather than left ticking against the old context.
	_, _ = c.ctxCanceller.CancelContextMonitorMessagesFrom(targetID)
	_ = c.reminders.CancelChildReminder(targetID)
	_ = c.reminders.CancelParentWake(targetID)

	text := fmt.Sprintf("continuation: %s\npipe-log: %s", continuationPath, pipeLogPath)
	if snapErr == nil {
		text += fmt.Sprintf("\nsnapshot: %s", snapshotPath)
	}

	_, err := c.reminders.WaitForCompactionThenEnqueue(ctx, targetID, "handoff-coordinator", "", text, model.ModeImportant, model.ContextMonitorCategory, nil)
	return err
}

// OnStopHookRouted must be called by the HTTP hook handler whenever
// tracker.Tracker.HandleStopHook reports HandoffBranch==true for targetID.
// It unblocks any in-flight Handoff call waiting on the wake signal.
func (c *Coordinator) OnStopHookRouted(targetID string) {
	c.mu.Lock()
	woken, ok := c.pending[targetID]
	c.mu.Unlock()
	if ok {
		select {
		case woken <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) snapshot(ctx context.Context, targetID, pane string) (string, error) {
	content, err := c.driver.CapturePane(ctx, pane, true)
	if err != nil {
		return "", fmt.Errorf("handoff: snapshot capture: %w", err)
	}

	dir := filepath.Join(c.dataDir, fmt.Sprintf("%s-%d", targetID, time.Now().Unix()))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("handoff: mkdir snapshot dir: %w", err)
	}
	path := filepath.Join(dir, "dump.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("handoff: write snapshot: %w", err)
	}
	return path, nil
}

// inject performs the two-phase injection contract, matching
// internal/delivery.Engine.inject exactly (spec.md §4.5 step 4 references
// §4.2's contract verbatim).
func (c *Coordinator) inject(ctx context.Context, pane, text string) error {
	if err := c.driver.SendLiteralText(ctx, pane, text); err != nil {
		return fmt.Errorf("send literal text: %w", err)
	}
	time.Sleep(c.settleDelay)
	if err := c.driver.SendSubmitKey(ctx, pane); err != nil {
		return fmt.Errorf("send submit key: %w", err)
	}
	return nil
}
