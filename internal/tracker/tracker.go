// Package tracker implements the Idle & Activity Tracker: the arbiter of
// whether a session is idle, reconciled from stop/notification hooks,
// terminal prompt inspection, and provider RPC signals (spec.md §4.3).
//
// Grounded on the teacher's cmd/agent-deck/hook_handler.go (the three
// signal classes arrive through the same HTTP hook sink) and the teacher's
// internal/tmux idle-detection helpers, generalized from a single
// prompt-glyph check into the provider-aware
// terminaldriver.IsPromptIdle. The skip-fence and transcript-retry
// semantics are grounded on original_source/tests/regression/
// test_issue_174_skip_count_race.py and test_issue_183_stale_idle_delivery.py.
package tracker

import (
	"sync"
	"time"

	"github.com/relaysoc/soc/internal/model"
)

// SkipFenceTTL bounds how long an armed skip fence absorbs stop hooks
// before the Tracker gives up waiting for the clear-hook and processes the
// next stop signal normally (spec.md §4.3, the "lost clear-hook" defence).
const SkipFenceTTL = 8 * time.Second

// Clock lets tests substitute a deterministic time source.
type Clock func() time.Time

// Tracker owns the DeliveryState table and reconciles is_idle from the
// three signal classes spec.md §4.3 describes.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*model.DeliveryState
	now    Clock

	// onIdle, when set, is invoked (outside the lock) whenever a target
	// transitions from not-idle to idle, so the Delivery Engine can flush
	// its queue. targetID is passed verbatim.
	onIdle func(targetID string)
}

// New returns an empty Tracker. onIdle may be nil.
func New(onIdle func(targetID string)) *Tracker {
	return &Tracker{
		states: make(map[string]*model.DeliveryState),
		now:    time.Now,
		onIdle: onIdle,
	}
}

// SetClock overrides the time source, for tests.
func (t *Tracker) SetClock(c Clock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = c
}

func (t *Tracker) stateLocked(targetID string) *model.DeliveryState {
	s, ok := t.states[targetID]
	if !ok {
		s = &model.DeliveryState{SessionID: targetID}
		t.states[targetID] = s
	}
	return s
}

// State returns a copy of the current DeliveryState for targetID.
func (t *Tracker) State(targetID string) model.DeliveryState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.stateLocked(targetID)
}

// Restore seeds a DeliveryState from persisted state (crash recovery).
func (t *Tracker) Restore(s *model.DeliveryState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *s
	t.states[s.SessionID] = &cp
}

// IsIdle reports the current idle flag for targetID.
func (t *Tracker) IsIdle(targetID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(targetID).IsIdle
}

// ArmSkipFence increments the skip fence and resets its arm timestamp, per
// spec.md §4.4 step 2. Called by the Handoff Coordinator immediately
// before issuing /clear.
func (t *Tracker) ArmSkipFence(targetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(targetID)
	s.StopNotifySkipCount++
	s.SkipCountArmedAt = t.now()
}

// skipFenceDecisionLocked implements spec.md §4.3's skip-fence
// reconciliation. Returns true if the stop hook should be absorbed
// (skipped) rather than processed as a normal idle signal.
func (t *Tracker) skipFenceDecisionLocked(s *model.DeliveryState) bool {
	if s.StopNotifySkipCount <= 0 {
		return false
	}
	if t.now().Sub(s.SkipCountArmedAt) < SkipFenceTTL {
		s.StopNotifySkipCount--
		if s.StopNotifySkipCount <= 0 {
			s.SkipCountArmedAt = time.Time{}
		}
		return true
	}
	// TTL expired: lost clear-hook. Clear the fence atomically and fall
	// through to normal processing.
	s.StopNotifySkipCount = 0
	s.SkipCountArmedAt = time.Time{}
	return false
}

// StopHookResult tells the caller (the HTTP hook handler / Handoff
// Coordinator) what happened when a stop hook was processed.
type StopHookResult struct {
	// Absorbed is true when the skip fence swallowed this hook: the
	// caller must not mark idle or emit a stop notification.
	Absorbed bool

	// HandoffBranch is true when a pending handoff path was present: the
	// caller must route to the Handoff Coordinator's wake-message step
	// instead of the normal idle transition, per spec.md §4.3/§4.4 step 3.
	HandoffBranch    bool
	PendingHandoffPath string
}

// HandleStopHook processes a Stop hook event for targetID, applying the
// skip-fence and pending-handoff-path branch rules from spec.md §4.3/4.4.
func (t *Tracker) HandleStopHook(targetID string) StopHookResult {
	t.mu.Lock()
	s := t.stateLocked(targetID)

	if t.skipFenceDecisionLocked(s) {
		t.mu.Unlock()
		return StopHookResult{Absorbed: true}
	}

	if s.PendingHandoffPath != "" {
		path := s.PendingHandoffPath
		s.PendingHandoffPath = ""
		// A handoff clear still counts as activity, not idle.
		s.IsIdle = false
		s.LastActiveAt = t.now()
		t.mu.Unlock()
		return StopHookResult{HandoffBranch: true, PendingHandoffPath: path}
	}

	t.setIdleLocked(s, true)
	t.mu.Unlock()
	return StopHookResult{}
}

// SetPendingHandoffPath stores the continuation path the next stop signal
// must branch on (spec.md §4.4 step 3). Caller must already hold the
// per-target delivery lock (internal/delivery) so this and ArmSkipFence
// are observed atomically by a concurrent stop hook.
func (t *Tracker) SetPendingHandoffPath(targetID, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateLocked(targetID).PendingHandoffPath = path
}

// ObserveNotificationHook processes a Notification/idle_prompt hook, which
// carries the same idle semantics as Stop for claude_tmux but never
// participates in the handoff branch (spec.md §4.3 item 1).
func (t *Tracker) ObserveNotificationHook(targetID string) bool {
	t.mu.Lock()
	s := t.stateLocked(targetID)
	if t.skipFenceDecisionLocked(s) {
		t.mu.Unlock()
		return false
	}
	t.setIdleLocked(s, true)
	t.mu.Unlock()
	return true
}

// ObservePromptInspection feeds a fresh pane capture into the Tracker.
// This is the claude_tmux/codex_tmux "always available" idle source
// (spec.md §4.3 item 2); the caller has already applied
// terminaldriver.IsPromptIdle to decide idle.
func (t *Tracker) ObservePromptInspection(targetID string, idle bool) {
	t.mu.Lock()
	s := t.stateLocked(targetID)
	if idle {
		if t.skipFenceDecisionLocked(s) {
			t.mu.Unlock()
			return
		}
		t.setIdleLocked(s, true)
	} else {
		t.setIdleLocked(s, false)
	}
	t.mu.Unlock()
}

// ObserveProviderTurnComplete handles the codex_app RPC turn-complete
// event (spec.md §4.3 item 3). codex_app has no skip fence concept since
// it has no hook transport to race against.
func (t *Tracker) ObserveProviderTurnComplete(targetID string) {
	t.mu.Lock()
	s := t.stateLocked(targetID)
	t.setIdleLocked(s, true)
	t.mu.Unlock()
}

// MarkSessionActive sets is_idle=false for targetID; used on delivery and
// by Watchers before registering (spec.md §4.3 reconciliation rule, §4.6).
func (t *Tracker) MarkSessionActive(targetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setIdleLocked(t.stateLocked(targetID), false)
}

// NoteUrgentEnqueue marks a target not-idle the instant an URGENT message
// is enqueued against it, per spec.md §4.3's reconciliation rule.
func (t *Tracker) NoteUrgentEnqueue(targetID string) {
	t.MarkSessionActive(targetID)
}

func (t *Tracker) setIdleLocked(s *model.DeliveryState, idle bool) {
	wasIdle := s.IsIdle
	s.IsIdle = idle
	now := t.now()
	if idle {
		s.LastIdleAt = now
	} else {
		s.LastActiveAt = now
	}

	if idle && !wasIdle && t.onIdle != nil {
		targetID := s.SessionID
		go t.onIdle(targetID)
	}
}

// Remove discards all tracked state for targetID (session removed).
func (t *Tracker) Remove(targetID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, targetID)
}
