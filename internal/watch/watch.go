// Package watch implements Watchers (spec.md §4.6): one-shot idle/timeout
// notifiers polling the Tracker's is_idle flag.
//
// Grounded on the teacher's internal/tmux polling goroutines (a ticker
// guarded by a stop channel, same shape used for the reminder scheduler),
// generalized from "poll pane content" to "poll Tracker.IsIdle".
package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relaysoc/soc/internal/model"
	"github.com/relaysoc/soc/internal/tracker"
)

// PollInterval is spec.md §4.6's "every ~2s" watch poll cadence.
const PollInterval = 2 * time.Second

// Enqueuer is the subset of the Delivery Engine Watchers notify through.
type Enqueuer interface {
	Enqueue(ctx context.Context, targetID, senderID, parentID, text string, mode model.DeliveryMode, category string) (*model.QueuedMessage, error)
}

// SecondaryIdleSource reports an out-of-band idle signal for providers
// without hooks (codex_tmux), per spec.md §4.6's secondary-signal note.
type SecondaryIdleSource func(targetID string) bool

// Manager runs one-shot idle/timeout watches.
type Manager struct {
	tr       *tracker.Tracker
	enqueuer Enqueuer
	secondary SecondaryIdleSource

	mu       sync.Mutex
	watches  map[string]context.CancelFunc // target -> cancel for its watch loop
}

// New wires a Manager. secondary may be nil if no codex_tmux status signal
// is available.
func New(tr *tracker.Tracker, enqueuer Enqueuer, secondary SecondaryIdleSource) *Manager {
	return &Manager{
		tr:        tr,
		enqueuer:  enqueuer,
		secondary: secondary,
		watches:   make(map[string]context.CancelFunc),
	}
}

// Watch registers a one-shot notifier for target, per spec.md §4.6:
// mark_session_active is called first so an already-idle target doesn't
// resolve spuriously, then a ~2s poll loop waits for idle or timeoutS to
// elapse, notifying observer either way.
func (m *Manager) Watch(ctx context.Context, target, observer string, timeout time.Duration) {
	m.tr.MarkSessionActive(target)

	ctx, cancel := context.WithTimeout(ctx, timeout)

	m.mu.Lock()
	if prev, ok := m.watches[target]; ok {
		prev()
	}
	m.watches[target] = cancel
	m.mu.Unlock()

	go m.run(ctx, target, observer)
}

func (m *Manager) run(ctx context.Context, target, observer string) {
	defer func() {
		m.mu.Lock()
		delete(m.watches, target)
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				m.notify(target, observer, "timeout")
			}
			return
		case <-ticker.C:
			idle := m.tr.IsIdle(target)
			if !idle && m.secondary != nil {
				idle = m.secondary(target)
			}
			if idle {
				m.notify(target, observer, "idle")
				return
			}
		}
	}
}

func (m *Manager) notify(target, observer, kind string) {
	var text string
	if kind == "idle" {
		text = "session " + target + " is idle"
	} else {
		text = "watch on session " + target + " timed out"
	}
	_, _ = m.enqueuer.Enqueue(context.Background(), observer, "watcher", "", text, model.ModeSequential, model.ContextMonitorCategory)
}

// Cancel deregisters any in-flight watch on target without notifying.
func (m *Manager) Cancel(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.watches[target]; ok {
		cancel()
		delete(m.watches, target)
	}
}
