// Package delivery implements the Delivery Engine (spec.md §4.2): three
// delivery modes over a durable SQLite-backed queue, a per-target lock so
// URGENT can preempt SEQUENTIAL/IMPORTANT without interleaving, and the
// two-phase injection contract enforced by construction (never a single
// combined "text + Enter" call).
//
// Grounded on the teacher's internal/tmux.Session.SendKeysAndEnter (the
// settle-delay idiom) and cmd/agent-deck's queue-flush-on-idle pattern in
// hook_handler.go, generalized from a single always-sequential path into
// three modes with a shared per-target mutex.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaysoc/soc/internal/model"
	"github.com/relaysoc/soc/internal/registry"
	"github.com/relaysoc/soc/internal/statedb"
	"github.com/relaysoc/soc/internal/terminaldriver"
	"github.com/relaysoc/soc/internal/tracker"
)

// DefaultSettleDelay is the pause between the literal-text call and the
// submit-key call, absorbing a TUI's bracketed-paste handling before Enter
// arrives (spec.md §4.2's two-phase injection contract; spec.md §8 Scenario D
// requires at least a 300ms gap). MinSettleDelay is the floor SetSettleDelay
// enforces regardless of caller-supplied configuration.
const (
	DefaultSettleDelay = 300 * time.Millisecond
	MinSettleDelay     = 300 * time.Millisecond
)

// UrgentPromptPollTimeout bounds how long the urgent path waits for the
// target's prompt glyph to reappear after a cancel key, per spec.md §4.2.
const UrgentPromptPollTimeout = 3 * time.Second

// urgentPromptPollInterval is how often the urgent path re-captures the
// pane while waiting for the prompt glyph inside UrgentPromptPollTimeout.
const urgentPromptPollInterval = 150 * time.Millisecond

// OutboundNotifier mirrors a delivered message out to external channels
// (the remote-chat bridge, browser push) alongside its tmux-pane
// injection. Implemented by chatgateway.OutboundRelay; nil when no
// external channel is configured.
type OutboundNotifier interface {
	Notify(ctx context.Context, chatID, threadID int64, text string)
}

// Engine is the Delivery Engine. It owns per-target locks, the durable
// queue, and message formatting by mode.
type Engine struct {
	db     *statedb.StateDB
	reg    *registry.Registry
	tr     *tracker.Tracker
	driver terminaldriver.TerminalDriver

	settleDelay time.Duration
	notifier    OutboundNotifier

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New wires an Engine over its dependencies. tr's onIdle callback should be
// set to call Engine.FlushTarget so a freshly-idle target is flushed
// immediately (spec.md §4.2 SEQUENTIAL bullet).
func New(db *statedb.StateDB, reg *registry.Registry, tr *tracker.Tracker, driver terminaldriver.TerminalDriver) *Engine {
	return &Engine{
		db:          db,
		reg:         reg,
		tr:          tr,
		driver:      driver,
		settleDelay: DefaultSettleDelay,
		locks:       make(map[string]*sync.Mutex),
	}
}

// SetSettleDelay overrides the two-phase injection settle delay, per
// config.DeliveryConfig.SettleDelayMS. Clamped to MinSettleDelay: spec.md §8
// Scenario D is a hard requirement, not a suggestion.
func (e *Engine) SetSettleDelay(d time.Duration) {
	if d < MinSettleDelay {
		d = MinSettleDelay
	}
	e.settleDelay = d
}

// SetOutboundNotifier wires an external-channel relay. Every delivered
// message then mirrors out to it alongside its pane injection.
func (e *Engine) SetOutboundNotifier(n OutboundNotifier) {
	e.notifier = n
}

func (e *Engine) lockFor(targetID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[targetID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[targetID] = l
	}
	return l
}

// Lock acquires targetID's delivery lock and returns a function that
// releases it, so external protocols (Handoff) can serialize against the
// same per-target lock FlushTarget and deliverUrgent use (spec.md §4.5's
// "a handoff must not race with a user send" invariant).
func (e *Engine) Lock(targetID string) func() {
	lock := e.lockFor(targetID)
	lock.Lock()
	return lock.Unlock
}

// Enqueue validates and durably stores a message, then triggers delivery
// according to its mode. senderID/category carry the ownership and
// cancellation metadata spec.md §4.2/§8 property 4 rely on; category is
// empty for ordinary user traffic and model.ContextMonitorCategory for
// reminder/handoff-originated messages.
func (e *Engine) Enqueue(ctx context.Context, targetID, senderID, parentID, text string, mode model.DeliveryMode, category string) (*model.QueuedMessage, error) {
	target := e.reg.Get(targetID)
	if target == nil {
		return nil, fmt.Errorf("delivery: enqueue to %s: %w", targetID, model.ErrNotFound)
	}
	if target.Status == model.StatusStopped {
		return nil, fmt.Errorf("delivery: enqueue to stopped session %s: %w", targetID, model.ErrInvalidState)
	}
	if text == "" {
		return nil, fmt.Errorf("delivery: enqueue empty text: %w", model.ErrInvalidState)
	}

	msg := &model.QueuedMessage{
		ID:       truncatedUUID(),
		TargetID: targetID,
		SenderID: senderID,
		ParentID: parentID,
		Text:     text,
		Mode:     mode,
		Category: category,
		QueuedAt: time.Now(),
	}
	if err := e.db.InsertMessage(msg); err != nil {
		return nil, err
	}

	switch mode {
	case model.ModeUrgent:
		e.tr.NoteUrgentEnqueue(targetID)
		go e.deliverUrgent(context.Background(), targetID)
	default:
		if e.tr.IsIdle(targetID) {
			go e.FlushTarget(context.Background(), targetID)
		}
	}
	return msg, nil
}

func truncatedUUID() string {
	s := uuid.New().String()
	out := make([]byte, 0, 8)
	for _, r := range s {
		if r == '-' {
			continue
		}
		out = append(out, byte(r))
		if len(out) == 8 {
			break
		}
	}
	return string(out)
}

// FlushTarget delivers every pending SEQUENTIAL/IMPORTANT message for
// targetID in FIFO order, under the target's delivery lock. Safe to call
// repeatedly; a concurrent urgent delivery blocks on the same lock rather
// than interleaving (spec.md §4.2's URGENT bullet).
func (e *Engine) FlushTarget(ctx context.Context, targetID string) error {
	lock := e.lockFor(targetID)
	lock.Lock()
	defer lock.Unlock()

	for {
		if !e.tr.IsIdle(targetID) {
			return nil
		}
		pending, err := e.db.PendingForTarget(targetID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		msg := pending[0]
		target := e.reg.Get(targetID)
		if target == nil {
			return e.db.DeleteMessage(msg.ID)
		}
		pane := target.TmuxName

		if err := e.inject(ctx, pane, formatMessage(msg, target)); err != nil {
			return err
		}
		if err := e.db.MarkDelivered(msg.ID, time.Now()); err != nil {
			return err
		}
		e.tr.MarkSessionActive(targetID)
		e.notifyOutbound(target, msg)
	}
}

// deliverUrgent implements spec.md §4.2's URGENT path: cancel, poll for the
// prompt glyph, then inject — all under the same per-target lock FlushTarget
// uses, so a stop-hook-triggered flush can never interleave with it.
func (e *Engine) deliverUrgent(ctx context.Context, targetID string) error {
	lock := e.lockFor(targetID)
	lock.Lock()
	defer lock.Unlock()

	target := e.reg.Get(targetID)
	if target == nil {
		return fmt.Errorf("delivery: urgent deliver to %s: %w", targetID, model.ErrNotFound)
	}
	pane := target.TmuxName

	if err := e.driver.SendCancelKey(ctx, pane); err != nil {
		return fmt.Errorf("delivery: urgent cancel: %w", err)
	}

	if err := e.waitForPrompt(ctx, pane, target.Provider); err != nil {
		return fmt.Errorf("delivery: urgent prompt wait: %w", err)
	}

	pending, err := e.db.PendingForTarget(targetID)
	if err != nil {
		return err
	}
	for _, msg := range pending {
		if msg.Mode != model.ModeUrgent {
			continue
		}
		if err := e.inject(ctx, pane, formatMessage(msg, target)); err != nil {
			return err
		}
		if err := e.db.MarkDelivered(msg.ID, time.Now()); err != nil {
			return err
		}
		e.tr.MarkSessionActive(targetID)
		e.notifyOutbound(target, msg)
	}
	return nil
}

func (e *Engine) waitForPrompt(ctx context.Context, pane string, provider model.Provider) error {
	deadline := time.Now().Add(UrgentPromptPollTimeout)
	for {
		content, err := e.driver.CapturePane(ctx, pane, false)
		if err == nil && terminaldriver.IsPromptIdle(content, string(provider)) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("delivery: %w waiting for prompt on %s", model.ErrTransportStall, pane)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(urgentPromptPollInterval):
		}
	}
}

// inject performs the two-phase injection contract: literal text, settle
// delay, then a separate submit-key call. This must never be collapsed
// into one driver call (spec.md §9's redesign-flags note).
func (e *Engine) inject(ctx context.Context, pane, text string) error {
	if err := e.driver.SendLiteralText(ctx, pane, text); err != nil {
		return fmt.Errorf("delivery: inject literal text: %w", err)
	}
	time.Sleep(e.settleDelay)
	if err := e.driver.SendSubmitKey(ctx, pane); err != nil {
		return fmt.Errorf("delivery: inject submit key: %w", err)
	}
	return nil
}

// formatMessage applies the mode-specific upstream prefix spec.md §4.2
// describes (IMPORTANT/URGENT differ from SEQUENTIAL only in formatting,
// never in ordering).
func formatMessage(msg *model.QueuedMessage, target *model.Session) string {
	switch msg.Mode {
	case model.ModeImportant:
		return "[IMPORTANT] " + msg.Text
	case model.ModeUrgent:
		return "[URGENT] " + msg.Text
	default:
		return msg.Text
	}
}

// notifyOutbound mirrors a just-delivered message to target's bridged chat
// thread and every browser push subscription, when an OutboundNotifier is
// wired. Scoped to system-origin notices (context-monitor category:
// reminders, watches, handoff wakes) and URGENT user traffic, matching
// spec.md §9's "idle/urgent-reminder notifications" framing rather than
// mirroring every ordinary SEQUENTIAL message out. Runs in its own
// goroutine: a stalled Telegram API call must never hold up the next
// queued delivery to target.
func (e *Engine) notifyOutbound(target *model.Session, msg *model.QueuedMessage) {
	if e.notifier == nil {
		return
	}
	if msg.Category != model.ContextMonitorCategory && msg.Mode != model.ModeUrgent {
		return
	}
	chatID, threadID, text := target.ChatID, target.ThreadID, formatMessage(msg, target)
	go e.notifier.Notify(context.Background(), chatID, threadID, text)
}

// CancelContextMonitorMessagesFrom removes undelivered context-monitor
// category messages sent by senderID, per spec.md §8 property 4. Never
// touches ordinary user traffic (category == "").
func (e *Engine) CancelContextMonitorMessagesFrom(senderID string) (int, error) {
	return e.db.CancelContextMonitorMessagesFrom(senderID)
}

// RecoverPending re-enters the flush pipeline for every undelivered message
// on startup, per spec.md §4.1's crash-recovery contract.
func (e *Engine) RecoverPending(ctx context.Context) error {
	pending, err := e.db.AllPending()
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, msg := range pending {
		if seen[msg.TargetID] {
			continue
		}
		seen[msg.TargetID] = true
		if e.tr.IsIdle(msg.TargetID) {
			go e.FlushTarget(ctx, msg.TargetID)
		}
	}
	return nil
}

// RemoveTarget discards the delivery lock and all queued messages for
// targetID (session removed from the registry).
func (e *Engine) RemoveTarget(targetID string) error {
	e.locksMu.Lock()
	delete(e.locks, targetID)
	e.locksMu.Unlock()
	return e.db.DeleteAllForTarget(targetID)
}
