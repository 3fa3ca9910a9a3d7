// Package terminaldriver defines the interface the SOC uses to talk to a
// terminal multiplexer pane, plus a tmux-backed implementation. The core
// never assumes tmux directly; every other package depends on the
// TerminalDriver interface so a future codex_app or different multiplexer
// backend can be swapped in without touching delivery/handoff/tracker.
package terminaldriver

import "context"

// TerminalDriver is the out-of-scope collaborator spec.md §6 names. The SOC
// depends only on this interface.
type TerminalDriver interface {
	// SendLiteralText injects text into the pane as literal keystrokes,
	// never interpreting it as key names. It must not submit the text.
	SendLiteralText(ctx context.Context, pane, text string) error

	// SendSubmitKey sends the pane's submit key (typically Enter). Must be
	// a distinct call from SendLiteralText — see the two-phase injection
	// contract in spec.md §4.2.
	SendSubmitKey(ctx context.Context, pane string) error

	// SendCancelKey sends the pane's cancel/escape key, used by the URGENT
	// delivery mode before polling for the prompt signature.
	SendCancelKey(ctx context.Context, pane string) error

	// CapturePane returns the pane's visible content, or its full
	// scrollback if fromStart is true (best-effort, bounded by the pane's
	// history limit).
	CapturePane(ctx context.Context, pane string, fromStart bool) (string, error)

	// CreatePane starts a new pane running command in workingDir.
	CreatePane(ctx context.Context, pane, workingDir, command string) error

	// KillPane destroys a pane.
	KillPane(ctx context.Context, pane string) error

	// Exists reports whether the backing pane is still alive.
	Exists(ctx context.Context, pane string) bool
}
