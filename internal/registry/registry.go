// Package registry is the Session Registry: the authoritative in-memory
// table of sessions plus a durable JSON snapshot on disk. Nothing else in
// the Session Orchestration Core owns session identity (spec.md §4.1).
//
// Adapted from the teacher's internal/session/storage.go load/save idiom
// (atomic temp-file-then-rename snapshot write) and the teacher's
// resolve-by-prefix-or-name pattern used across cmd/agent-deck's
// subcommands.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaysoc/soc/internal/model"
)

// Registry owns session identity. All mutating operations are serialized
// through a single writer lock and write through to disk, per spec.md
// §4.1.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*model.Session
	emTopic     model.EMTopic
	snapshotPath string
}

type snapshotFile struct {
	Sessions []*snapshotSession `json:"sessions"`
	EMTopic  model.EMTopic      `json:"em_topic"`
}

// snapshotSession mirrors model.Session but excludes the runtime-only
// fields spec.md §3 says must never be persisted.
type snapshotSession struct {
	ID                    string            `json:"id"`
	Provider              model.Provider    `json:"provider"`
	TmuxName              string            `json:"tmux_name"`
	ParentID              string            `json:"parent_id"`
	WorkingDir            string            `json:"working_dir"`
	CreatedAt             time.Time         `json:"created_at"`
	FriendlyName          string            `json:"friendly_name"`
	Status                model.SessionStatus `json:"status"`
	LastActivity          time.Time         `json:"last_activity"`
	LastToolCall          time.Time         `json:"last_tool_call"`
	LastToolName          string            `json:"last_tool_name"`
	IsEM                  bool              `json:"is_em"`
	TokensUsed            int64             `json:"tokens_used"`
	ContextMonitorEnabled bool              `json:"context_monitor_enabled"`
	CurrentTask           string            `json:"current_task"`
	GitRemoteURL          string            `json:"git_remote_url"`
	ChatID                int64             `json:"chat_id"`
	ThreadID              int64             `json:"thread_id"`
}

// New returns an empty Registry that will snapshot to snapshotPath.
func New(snapshotPath string) *Registry {
	return &Registry{
		sessions:     make(map[string]*model.Session),
		snapshotPath: snapshotPath,
	}
}

// Load rebuilds the registry from the on-disk snapshot, per spec.md §4.1's
// crash-recovery contract. Missing fields (and a missing file) are treated
// as defaults.
func Load(snapshotPath string) (*Registry, error) {
	r := New(snapshotPath)

	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("registry: read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("registry: parse snapshot: %w", err)
	}

	r.emTopic = snap.EMTopic
	for _, ss := range snap.Sessions {
		r.sessions[ss.ID] = fromSnapshot(ss)
	}
	return r, nil
}

func fromSnapshot(ss *snapshotSession) *model.Session {
	return &model.Session{
		ID:                    ss.ID,
		Provider:              ss.Provider,
		TmuxName:              ss.TmuxName,
		ParentID:              ss.ParentID,
		WorkingDir:            ss.WorkingDir,
		CreatedAt:             ss.CreatedAt,
		FriendlyName:          ss.FriendlyName,
		Status:                ss.Status,
		LastActivity:          ss.LastActivity,
		LastToolCall:          ss.LastToolCall,
		LastToolName:          ss.LastToolName,
		IsEM:                  ss.IsEM,
		TokensUsed:            ss.TokensUsed,
		ContextMonitorEnabled: ss.ContextMonitorEnabled,
		CurrentTask:           ss.CurrentTask,
		GitRemoteURL:          ss.GitRemoteURL,
		ChatID:                ss.ChatID,
		ThreadID:              ss.ThreadID,
	}
}

func toSnapshot(s *model.Session) *snapshotSession {
	return &snapshotSession{
		ID:                    s.ID,
		Provider:              s.Provider,
		TmuxName:              s.TmuxName,
		ParentID:              s.ParentID,
		WorkingDir:            s.WorkingDir,
		CreatedAt:             s.CreatedAt,
		FriendlyName:          s.FriendlyName,
		Status:                s.Status,
		LastActivity:          s.LastActivity,
		LastToolCall:          s.LastToolCall,
		LastToolName:          s.LastToolName,
		IsEM:                  s.IsEM,
		TokensUsed:            s.TokensUsed,
		ContextMonitorEnabled: s.ContextMonitorEnabled,
		CurrentTask:           s.CurrentTask,
		GitRemoteURL:          s.GitRemoteURL,
		ChatID:                s.ChatID,
		ThreadID:              s.ThreadID,
	}
}

// persistLocked writes the snapshot atomically (temp file + rename), the
// same idiom the teacher uses in internal/session/storage.go and
// cmd/agent-deck/hook_handler.go's writeHookStatus. Caller must hold mu.
func (r *Registry) persistLocked() error {
	if r.snapshotPath == "" {
		return nil
	}

	snap := snapshotFile{EMTopic: r.emTopic}
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Sessions = append(snap.Sessions, toSnapshot(r.sessions[id]))
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.snapshotPath), 0o700); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}

	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, r.snapshotPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("registry: rename snapshot: %w", err)
	}
	return nil
}

// GenerateID returns a fresh 8-hex-char session id (spec.md §3), truncated
// from a v4 uuid the way g960059-agtmux and agent-commander's agentd both
// generate their ids.
func GenerateID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// Create registers a brand new session and persists the snapshot.
func (r *Registry) Create(s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = GenerateID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}
	if s.Status == "" {
		s.Status = model.StatusRunning
	}

	r.sessions[s.ID] = s
	return r.persistLocked()
}

// Get returns the session with id, or nil if absent.
func (r *Registry) Get(id string) *model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// List returns every session, ordered by CreatedAt.
func (r *Registry) List() []*model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateStatus sets a session's externally-visible status and persists.
// STOPPED is terminal: once set, further UpdateStatus calls are rejected
// with model.ErrInvalidState (spec.md §3 invariant: "A session in state
// STOPPED is terminal; no transitions back").
func (r *Registry) UpdateStatus(id string, status model.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("registry: update status %s: %w", id, model.ErrNotFound)
	}
	if s.Status == model.StatusStopped {
		return fmt.Errorf("registry: session %s is stopped: %w", id, model.ErrInvalidState)
	}
	s.Status = status
	return r.persistLocked()
}

// Remove deletes a session from the registry outright (used after a kill
// has been fully processed and its queue/reminders/watchers torn down).
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return r.persistLocked()
}

// Mutate applies fn to the session with id under the write lock, then
// persists. Used by callers that need to update several fields at once
// (e.g. telemetry fields written by hook handlers).
func (r *Registry) Mutate(id string, fn func(*model.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("registry: mutate %s: %w", id, model.ErrNotFound)
	}
	fn(s)
	return r.persistLocked()
}

// EMTopic returns the inherited external-chat thread.
func (r *Registry) EMTopic() model.EMTopic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emTopic
}

// SetEMTopic overwrites the inherited external-chat thread and persists.
func (r *Registry) SetEMTopic(t model.EMTopic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emTopic = t
	return r.persistLocked()
}

// Resolve looks a session up by exact id, unambiguous id prefix (>=4 hex
// chars), or case-insensitive friendly name, per spec.md §4.1. Returns
// model.ErrNotFound if nothing matches, or a wrapped ambiguity error if a
// prefix matches more than one session.
func (r *Registry) Resolve(identifier string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[identifier]; ok {
		return s, nil
	}

	var prefixMatches []*model.Session
	var nameMatches []*model.Session
	lowerID := strings.ToLower(identifier)
	for _, s := range r.sessions {
		if len(identifier) >= 4 && strings.HasPrefix(s.ID, identifier) {
			prefixMatches = append(prefixMatches, s)
		}
		if strings.ToLower(s.FriendlyName) == lowerID && s.FriendlyName != "" {
			nameMatches = append(nameMatches, s)
		}
	}

	switch {
	case len(nameMatches) == 1:
		return nameMatches[0], nil
	case len(nameMatches) > 1:
		return nil, fmt.Errorf("registry: ambiguous friendly name %q matches %d sessions", identifier, len(nameMatches))
	case len(prefixMatches) == 1:
		return prefixMatches[0], nil
	case len(prefixMatches) > 1:
		return nil, fmt.Errorf("registry: ambiguous id prefix %q matches %d sessions", identifier, len(prefixMatches))
	default:
		return nil, fmt.Errorf("registry: resolve %q: %w", identifier, model.ErrNotFound)
	}
}

// FindByChatThread returns the session whose inherited chat/thread pair
// matches, for routing an inbound remote-chat message back to its session
// (spec.md §6: "the core uses forum threads 1:1 with sessions").
func (r *Registry) FindByChatThread(chatID, threadID int64) *model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ChatID == chatID && s.ThreadID == threadID {
			return s
		}
	}
	return nil
}

// ReconcileOnStartup marks any session whose backing tmux pane no longer
// exists as STOPPED, per spec.md §4.1's crash-recovery contract. exists is
// typically terminaldriver.TerminalDriver.Exists, injected to keep this
// package free of a terminaldriver import.
func (r *Registry) ReconcileOnStartup(exists func(pane string) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.Status == model.StatusStopped {
			continue
		}
		if s.Provider == model.ProviderCodexApp {
			continue // no backing pane to check
		}
		if s.TmuxName != "" && !exists(s.TmuxName) {
			s.Status = model.StatusStopped
		}
	}
	return r.persistLocked()
}
