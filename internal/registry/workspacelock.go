package registry

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// WorkspaceLockFile is the path, relative to a git repo root, where a
// workspace lock is recorded. Supplemental feature per SPEC_FULL.md §9:
// lets two sessions cooperating on the same checkout avoid clobbering each
// other when they aren't both registered with the same Registry (e.g. one
// session was launched by hand outside the control plane).
const WorkspaceLockFile = ".claude/workspace.lock"

// StaleLockThreshold matches the original lock_manager.py's 30 minute
// staleness window.
const StaleLockThreshold = 30 * time.Minute

// LockInfo describes the owner of a workspace lock.
type LockInfo struct {
	SessionID string
	Task      string
	Branch    string
	Started   time.Time
}

// IsStale reports whether the lock is older than StaleLockThreshold.
func (l LockInfo) IsStale() bool {
	return time.Since(l.Started) > StaleLockThreshold
}

// WorkspaceLock manages a workspace.lock file at a git repository's root,
// grounded on original_source/src/lock_manager.py. Unlike the Python
// version it finds the repo root with an explicit context-bound git
// subprocess call, the same idiom internal/git uses elsewhere in this
// tree.
type WorkspaceLock struct {
	workingDir string
}

// NewWorkspaceLock returns a WorkspaceLock rooted at workingDir.
func NewWorkspaceLock(workingDir string) *WorkspaceLock {
	return &WorkspaceLock{workingDir: workingDir}
}

func (w *WorkspaceLock) repoRoot(ctx context.Context) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = w.workingDir
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

func (w *WorkspaceLock) currentBranch(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "branch", "--show-current")
	cmd.Dir = w.workingDir
	out, err := cmd.Output()
	if err != nil {
		return "unknown"
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return "unknown"
	}
	return branch
}

func (w *WorkspaceLock) lockPath(ctx context.Context) (string, bool) {
	root, ok := w.repoRoot(ctx)
	if !ok {
		return "", false
	}
	return filepath.Join(root, WorkspaceLockFile), true
}

// Acquire writes a workspace lock for sessionID/task, unless a non-stale
// lock already exists for a different session. Returns false (not an
// error) when the workspace isn't a git repo or is already locked, mirroring
// lock_manager.py's acquire_lock boolean-return contract.
func (w *WorkspaceLock) Acquire(ctx context.Context, sessionID, task string) (bool, error) {
	path, ok := w.lockPath(ctx)
	if !ok {
		return false, nil
	}

	if existing, err := w.checkLock(path); err == nil && existing != nil && !existing.IsStale() {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("registry: mkdir lock dir: %w", err)
	}

	branch := w.currentBranch(ctx)
	started := time.Now()

	var b strings.Builder
	fmt.Fprintf(&b, "session=%s\n", sessionID)
	fmt.Fprintf(&b, "task=%s\n", task)
	fmt.Fprintf(&b, "branch=%s\n", branch)
	fmt.Fprintf(&b, "started=%s\n", started.Format(time.RFC3339Nano))

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return false, fmt.Errorf("registry: write lock file: %w", err)
	}
	return true, nil
}

// Release removes the lock file. If sessionID is non-empty, it only
// releases a lock owned by that session, refusing otherwise.
func (w *WorkspaceLock) Release(ctx context.Context, sessionID string) (bool, error) {
	path, ok := w.lockPath(ctx)
	if !ok {
		return true, nil
	}

	existing, err := w.checkLock(path)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	if sessionID != "" && existing.SessionID != sessionID {
		return false, nil
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("registry: remove lock file: %w", err)
	}
	return true, nil
}

// CheckLock returns the current lock, or nil if none exists.
func (w *WorkspaceLock) CheckLock(ctx context.Context) (*LockInfo, error) {
	path, ok := w.lockPath(ctx)
	if !ok {
		return nil, nil
	}
	return w.checkLock(path)
}

func (w *WorkspaceLock) checkLock(path string) (*LockInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: open lock file: %w", err)
	}
	defer f.Close()

	data := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		data[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("registry: scan lock file: %w", err)
	}

	for _, k := range []string{"session", "task", "branch", "started"} {
		if _, ok := data[k]; !ok {
			return nil, nil
		}
	}

	started, err := time.Parse(time.RFC3339Nano, data["started"])
	if err != nil {
		return nil, nil
	}

	return &LockInfo{
		SessionID: data["session"],
		Task:      data["task"],
		Branch:    data["branch"],
		Started:   started,
	}, nil
}

// IsLocked reports whether the workspace is locked by a non-stale lock.
func (w *WorkspaceLock) IsLocked(ctx context.Context) bool {
	lock, err := w.CheckLock(ctx)
	return err == nil && lock != nil && !lock.IsStale()
}
