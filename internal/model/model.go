// Package model holds the data types shared by every Session Orchestration
// Core component: sessions, queued messages, delivery state, and the two
// timer registrations (remind, parent-wake).
package model

import "time"

// Provider identifies which agent runtime backs a session, and therefore
// which idle signals are available to the Tracker.
type Provider string

const (
	ProviderClaudeTmux Provider = "claude_tmux"
	ProviderCodexTmux   Provider = "codex_tmux"
	ProviderCodexApp    Provider = "codex_app"
)

// SessionStatus is the externally-visible lifecycle state of a session.
// It lags the Tracker's internal is_idle flag (see internal/tracker).
type SessionStatus string

const (
	StatusRunning SessionStatus = "RUNNING"
	StatusIdle    SessionStatus = "IDLE"
	StatusStopped SessionStatus = "STOPPED"
)

// DeliveryMode selects how a QueuedMessage is injected into its target.
type DeliveryMode string

const (
	ModeSequential DeliveryMode = "SEQUENTIAL"
	ModeImportant  DeliveryMode = "IMPORTANT"
	ModeUrgent     DeliveryMode = "URGENT"
)

// ContextMonitorCategory is the only category value the system sets itself;
// it is the sole key used to selectively cancel system-origin messages
// without touching user `send` traffic.
const ContextMonitorCategory = "context_monitor"

// Session is a live or terminated agent session.
type Session struct {
	ID           string
	Provider     Provider
	TmuxName     string // empty for ProviderCodexApp
	ParentID     string
	WorkingDir   string
	CreatedAt    time.Time
	FriendlyName string
	Status       SessionStatus

	LastActivity  time.Time
	LastToolCall  time.Time
	LastToolName  string

	IsEM bool

	// Supplemented observability fields (original_source/src/models.py,
	// spec.md §6 dashboard fields).
	TokensUsed            int64
	ContextMonitorEnabled bool
	CurrentTask           string
	GitRemoteURL          string

	// Thread inheritance hints, persisted per-session so a non-EM session's
	// own thread survives a registry reload independent of em_topic.
	ChatID   int64
	ThreadID int64

	// Runtime-only fields. Never persisted to the registry snapshot.
	IsCompacting        bool   `json:"-"`
	ContextWarningSent  bool   `json:"-"`
	ContextCriticalSent bool   `json:"-"`
	PendingHandoffPath  string `json:"-"`

	// WorkspaceLockHeld tracks whether this session currently holds its
	// working directory's git-repo-scoped lock (internal/registry.WorkspaceLock),
	// so handleKillSession knows whether to release it.
	WorkspaceLockHeld bool `json:"-"`
}

// EMTopic is the single inherited external-chat thread carried across
// successive EM sessions (spec.md §6, §9).
type EMTopic struct {
	ChatID   int64
	ThreadID int64
}

// QueuedMessage is a single pending or delivered delivery-engine row.
type QueuedMessage struct {
	ID          string
	TargetID    string
	SenderID    string // empty means none
	ParentID    string // empty means none; used for wake-up pairing
	Text        string
	Mode        DeliveryMode
	Category    string // "" for user traffic, ContextMonitorCategory for system
	QueuedAt    time.Time
	DeliveredAt *time.Time
}

// DeliveryState is the per-target ephemeral (but snapshotted) idle/skip-fence
// bookkeeping the Tracker and Delivery Engine share.
type DeliveryState struct {
	SessionID string

	IsIdle       bool
	LastIdleAt   time.Time
	LastActiveAt time.Time

	StopNotifySkipCount int
	SkipCountArmedAt    time.Time // zero value means "not armed"

	StopNotifySenderID      string
	LastOutgoingSendTarget  string

	PendingHandoffPath string
}

// SkipFenceArmed reports whether the skip fence currently holds an
// outstanding count. Used by the Tracker to decide whether a stop hook
// should be absorbed.
func (d *DeliveryState) SkipFenceArmed() bool {
	return d.StopNotifySkipCount > 0 && !d.SkipCountArmedAt.IsZero()
}

// RemindRegistration is the per-target soft/hard reminder timer state.
type RemindRegistration struct {
	TargetID       string
	ParentID       string
	SoftThreshold  time.Duration
	HardThreshold  time.Duration
	LastResetAt    time.Time
	SoftFired      bool
	Active         bool
}

// ParentWakeRegistration is the per-child periodic digest timer state.
type ParentWakeRegistration struct {
	ChildID               string
	ParentID              string
	Period                time.Duration
	LastWakeAt            time.Time
	LastStatusAtPrevWake  time.Time
	Escalated             bool
	Active                bool
}
