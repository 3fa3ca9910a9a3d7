package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/relaysoc/soc/internal/config"
	"github.com/relaysoc/soc/internal/model"
	"github.com/relaysoc/soc/internal/registry"
)

// sessionView is the JSON wire shape for a session, including the
// dashboard-facing fields spec.md §6 calls out (last_tool_call,
// last_tool_name, tokens_used, context_monitor_enabled) plus the live
// is_idle flag sourced from the Tracker (the registry's Status field lags
// behind it, per spec.md §3).
type sessionView struct {
	ID                    string    `json:"id"`
	Provider              string    `json:"provider"`
	TmuxName              string    `json:"tmux_name,omitempty"`
	ParentID              string    `json:"parent_id,omitempty"`
	WorkingDir            string    `json:"working_dir"`
	CreatedAt             time.Time `json:"created_at"`
	FriendlyName          string    `json:"friendly_name,omitempty"`
	Status                string    `json:"status"`
	IsIdle                bool      `json:"is_idle"`
	LastActivity          time.Time `json:"last_activity"`
	LastToolCall          time.Time `json:"last_tool_call,omitempty"`
	LastToolName          string    `json:"last_tool_name,omitempty"`
	TokensUsed            int64     `json:"tokens_used"`
	ContextMonitorEnabled bool      `json:"context_monitor_enabled"`
	CurrentTask           string    `json:"current_task,omitempty"`
	IsEM                  bool      `json:"is_em"`
}

func (s *Server) toView(sess *model.Session) sessionView {
	return sessionView{
		ID:                    sess.ID,
		Provider:              string(sess.Provider),
		TmuxName:              sess.TmuxName,
		ParentID:              sess.ParentID,
		WorkingDir:            sess.WorkingDir,
		CreatedAt:             sess.CreatedAt,
		FriendlyName:          sess.FriendlyName,
		Status:                string(sess.Status),
		IsIdle:                s.deps.Tracker.IsIdle(sess.ID),
		LastActivity:          sess.LastActivity,
		LastToolCall:          sess.LastToolCall,
		LastToolName:          sess.LastToolName,
		TokensUsed:            sess.TokensUsed,
		ContextMonitorEnabled: sess.ContextMonitorEnabled,
		CurrentTask:           sess.CurrentTask,
		IsEM:                  sess.IsEM,
	}
}

// providerCommand names the launch command for a tmux-backed session's pane.
func providerCommand(p model.Provider) string {
	switch p {
	case model.ProviderCodexTmux:
		return "codex"
	default:
		return "claude"
	}
}

// Context-usage thresholds for the one-shot warning/critical notifications
// spec.md §3 gestures at via the `_context_warning_sent`/`_context_critical_sent`
// runtime fields. contextWindowTokens matches Claude's standard context
// window; a session reports its own usage via the context_usage hook, so
// these thresholds are fractions of that window rather than a hardcoded
// token count.
const (
	contextWindowTokens     = 200000
	contextWarningFraction  = 0.80
	contextCriticalFraction = 0.95
)

// maybeNotifyContextUsage enqueues a one-shot context_monitor-category
// notice to sess's parent the first time token usage crosses the warning
// and critical fractions of the context window, tracked by
// sess.ContextWarningSent/ContextCriticalSent so a session doesn't re-notify
// on every subsequent context_usage tick (spec.md §4.1's category-scoped
// traffic is meant for exactly this kind of system-origin, cancel-on-reset
// notice).
func (s *Server) maybeNotifyContextUsage(ctx context.Context, sess *model.Session, tokens int64) {
	if !sess.ContextMonitorEnabled || sess.ParentID == "" {
		return
	}
	fraction := float64(tokens) / float64(contextWindowTokens)

	switch {
	case fraction >= contextCriticalFraction && !sess.ContextCriticalSent:
		_ = s.deps.Registry.Mutate(sess.ID, func(sv *model.Session) { sv.ContextCriticalSent = true })
		_, _ = s.deps.Delivery.Enqueue(ctx, sess.ParentID, sess.ID, "",
			fmt.Sprintf("context usage critical: %d/%d tokens", tokens, contextWindowTokens),
			model.ModeImportant, model.ContextMonitorCategory)

	case fraction >= contextWarningFraction && !sess.ContextWarningSent:
		_ = s.deps.Registry.Mutate(sess.ID, func(sv *model.Session) { sv.ContextWarningSent = true })
		_, _ = s.deps.Delivery.Enqueue(ctx, sess.ParentID, sess.ID, "",
			fmt.Sprintf("context usage warning: %d/%d tokens", tokens, contextWindowTokens),
			model.ModeImportant, model.ContextMonitorCategory)
	}
}

type createSessionRequest struct {
	Provider     string `json:"provider"`
	WorkingDir   string `json:"working_dir"`
	ParentID     string `json:"parent_id,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
	IsEM         bool   `json:"is_em,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	if req.Provider == "" || req.WorkingDir == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "provider and working_dir are required"})
		return
	}

	sess := &model.Session{
		Provider:     model.Provider(req.Provider),
		ParentID:     req.ParentID,
		WorkingDir:   req.WorkingDir,
		FriendlyName: req.FriendlyName,
		IsEM:         req.IsEM,
	}
	if sess.ID == "" {
		sess.ID = registry.GenerateID()
	}
	if sess.Provider != model.ProviderCodexApp {
		sess.TmuxName = fmt.Sprintf("soc-%s", sess.ID)
	}

	if err := s.deps.Registry.Create(sess); err != nil {
		writeError(w, err)
		return
	}

	if sess.TmuxName != "" {
		if err := s.deps.Driver.CreatePane(r.Context(), sess.TmuxName, sess.WorkingDir, providerCommand(sess.Provider)); err != nil {
			_ = s.deps.Registry.Remove(sess.ID)
			writeError(w, fmt.Errorf("httpapi: create pane: %w: %w", model.ErrDriverFailure, err))
			return
		}
	}

	// Best-effort workspace lock: a second session opened against the same
	// git working tree is still allowed to start (spec.md never makes this
	// a hard precondition), it just won't hold the lock. Acquire failures
	// (not a git repo, already locked by someone else) are logged by the
	// lock itself and otherwise ignored here.
	acquired, _ := registry.NewWorkspaceLock(sess.WorkingDir).Acquire(r.Context(), sess.ID, sess.CurrentTask)
	if acquired {
		_ = s.deps.Registry.Mutate(sess.ID, func(sv *model.Session) { sv.WorkspaceLockHeld = true })
	}

	writeJSON(w, http.StatusCreated, s.toView(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Registry.List()
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.toView(sess))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Registry.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toView(sess))
}

type inputRequest struct {
	Text         string `json:"text"`
	Mode         string `json:"mode,omitempty"`
	RemindSoftS  *int   `json:"remind_soft_s,omitempty"`
	RemindHardS  *int   `json:"remind_hard_s,omitempty"`
	ParentID     string `json:"parent_id,omitempty"`
	NotifyOnStop bool   `json:"notify_on_stop,omitempty"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "text is required"})
		return
	}

	sess, err := s.deps.Registry.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	mode := model.ModeSequential
	if req.Mode != "" {
		mode = model.DeliveryMode(strings.ToUpper(req.Mode))
	}

	parentID := req.ParentID
	if parentID == "" {
		parentID = sess.ParentID
	}

	msg, err := s.deps.Delivery.Enqueue(r.Context(), sess.ID, "http-input", parentID, req.Text, mode, "")
	if err != nil {
		writeError(w, err)
		return
	}

	if req.RemindSoftS != nil && req.RemindHardS != nil && parentID != "" {
		soft := time.Duration(*req.RemindSoftS) * time.Second
		hard := time.Duration(*req.RemindHardS) * time.Second
		_ = s.deps.Reminder.RegisterChildReminderWithThresholds(sess.ID, parentID, soft, hard)
		_ = s.deps.Reminder.RegisterParentWake(sess.ID, parentID)
	} else if parentID != "" {
		_ = s.deps.Reminder.RegisterChildReminder(sess.ID, parentID)
		_ = s.deps.Reminder.RegisterParentWake(sess.ID, parentID)
	}

	if req.NotifyOnStop && parentID != "" {
		s.deps.Watch.Watch(context.Background(), sess.ID, parentID, time.Hour)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": msg.ID})
}

type keyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}

	sess, err := s.deps.Registry.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.TmuxName == "" {
		writeJSON(w, http.StatusConflict, apiError{Error: "session has no backing pane"})
		return
	}

	unlock := s.deps.Delivery.Lock(sess.ID)
	defer unlock()

	var keyErr error
	switch strings.ToLower(req.Key) {
	case "cancel", "escape":
		keyErr = s.deps.Driver.SendCancelKey(r.Context(), sess.TmuxName)
	case "submit", "enter":
		keyErr = s.deps.Driver.SendSubmitKey(r.Context(), sess.TmuxName)
	default:
		writeJSON(w, http.StatusBadRequest, apiError{Error: "unknown key"})
		return
	}
	if keyErr != nil {
		writeError(w, fmt.Errorf("httpapi: send key: %w: %w", model.ErrDriverFailure, keyErr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Registry.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if sess.TmuxName != "" {
		_ = s.deps.Driver.KillPane(r.Context(), sess.TmuxName)
	}
	_ = s.deps.Reminder.CancelChildReminder(sess.ID)
	_ = s.deps.Reminder.CancelParentWake(sess.ID)
	if sess.WorkspaceLockHeld {
		_, _ = registry.NewWorkspaceLock(sess.WorkingDir).Release(r.Context(), sess.ID)
	}
	// Extends spec.md §9's open question on cancel-on-kill: a killed session
	// can no longer receive delivery, so any context-monitor traffic it
	// queued (e.g. a pending parent-wake digest) is now unreachable.
	_, _ = s.deps.Delivery.CancelContextMonitorMessagesFrom(sess.ID)
	s.deps.Watch.Cancel(sess.ID)
	_ = s.deps.Delivery.RemoveTarget(sess.ID)
	if err := s.deps.Registry.UpdateStatus(sess.ID, model.StatusStopped); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type handoffRequest struct {
	ContinuationPath string `json:"continuation_path"`
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	if req.ContinuationPath == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "continuation_path is required"})
		return
	}

	sess, err := s.deps.Registry.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.TmuxName == "" {
		writeJSON(w, http.StatusConflict, apiError{Error: "session has no backing pane"})
		return
	}

	pipeLogPath := config.PipeLogPath(sess.TmuxName)
	if err := s.deps.Handoff.Handoff(r.Context(), sess.ID, req.ContinuationPath, pipeLogPath); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Registry.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.TmuxName == "" {
		writeJSON(w, http.StatusConflict, apiError{Error: "session has no backing pane"})
		return
	}

	n := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}

	content, err := s.deps.Driver.CapturePane(r.Context(), sess.TmuxName, false)
	if err != nil {
		writeError(w, fmt.Errorf("httpapi: capture pane: %w: %w", model.ErrDriverFailure, err))
		return
	}
	content = ansiEscape.ReplaceAllString(content, "")

	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

type hookRequest struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	ToolName       string `json:"tool_name,omitempty"`
	TargetFile     string `json:"target_file,omitempty"`
	BashCommand    string `json:"bash_command,omitempty"`
	Event          string `json:"event"`
	TokensUsed     *int64 `json:"tokens_used,omitempty"`
	CurrentTask    string `json:"current_task,omitempty"`
}

// handleHook is the agent-callback sink (spec.md §6): it decodes a hook
// payload and fans it out to the Tracker, Registry, Reminder Scheduler and
// Handoff Coordinator depending on the event kind. The provider path
// segment is accepted but not currently branched on — every event carries
// session_id, which is enough to resolve the target.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	if req.SessionID == "" || req.Event == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "session_id and event are required"})
		return
	}

	sess, err := s.deps.Registry.Resolve(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	switch req.Event {
	case "PreToolUse":
		_ = s.deps.Registry.Mutate(sess.ID, func(sv *model.Session) {
			sv.LastToolCall = time.Now()
			sv.LastToolName = req.ToolName
		})
		s.deps.Tracker.MarkSessionActive(sess.ID)
		_ = s.deps.Registry.UpdateStatus(sess.ID, model.StatusRunning)

	case "PostToolUse":
		target := req.TargetFile
		if target == "" {
			target = req.BashCommand
		}
		if s.deps.Obs != nil {
			_ = s.deps.Obs.RecordToolUse(sess.ID, req.ToolName, target)
		}
		_ = s.deps.Reminder.ResetChildReminder(sess.ID)

	case "Stop":
		result := s.deps.Tracker.HandleStopHook(sess.ID)
		if result.HandoffBranch {
			s.deps.Handoff.OnStopHookRouted(sess.ID)
		} else if !result.Absorbed {
			_ = s.deps.Registry.UpdateStatus(sess.ID, model.StatusIdle)
		}

	case "Notification", "idle_prompt":
		if s.deps.Tracker.ObserveNotificationHook(sess.ID) {
			_ = s.deps.Registry.UpdateStatus(sess.ID, model.StatusIdle)
		}

	case "context_usage":
		tokens := sess.TokensUsed
		if req.TokensUsed != nil {
			tokens = *req.TokensUsed
		}
		if s.deps.Obs != nil {
			_ = s.deps.Obs.UpdateStatus(sess.ID, tokens, req.CurrentTask)
		}
		_ = s.deps.Registry.Mutate(sess.ID, func(sv *model.Session) {
			sv.TokensUsed = tokens
			if req.CurrentTask != "" {
				sv.CurrentTask = req.CurrentTask
			}
		})
		s.maybeNotifyContextUsage(r.Context(), sess, tokens)

	case "compaction":
		_ = s.deps.Registry.Mutate(sess.ID, func(sv *model.Session) {
			sv.IsCompacting = true
		})

	case "compaction_complete":
		_ = s.deps.Registry.Mutate(sess.ID, func(sv *model.Session) {
			sv.IsCompacting = false
		})
		_ = s.deps.Reminder.ResetChildReminder(sess.ID)

	case "context_reset":
		// context_reset only clears context-warning flags and cancels
		// stale context-monitor traffic; it must never touch idle/turn-
		// complete state, which belongs to Stop/Notification/provider
		// turn-complete signals exclusively.
		_ = s.deps.Registry.Mutate(sess.ID, func(sv *model.Session) {
			sv.ContextWarningSent = false
			sv.ContextCriticalSent = false
		})
		_, _ = s.deps.Delivery.CancelContextMonitorMessagesFrom(sess.ID)

	case "SessionStart":
		s.deps.Tracker.MarkSessionActive(sess.ID)
		_ = s.deps.Registry.UpdateStatus(sess.ID, model.StatusRunning)

	default:
		writeJSON(w, http.StatusBadRequest, apiError{Error: "unknown event"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type watchRequest struct {
	Target   string `json:"target"`
	Observer string `json:"observer"`
	TimeoutS int    `json:"timeout_s"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	if req.Target == "" || req.Observer == "" || req.TimeoutS <= 0 {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "target, observer and timeout_s are required"})
		return
	}

	sess, err := s.deps.Registry.Resolve(req.Target)
	if err != nil {
		writeError(w, err)
		return
	}

	s.deps.Watch.Watch(context.Background(), sess.ID, req.Observer, time.Duration(req.TimeoutS)*time.Second)
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}
