package model

import "errors"

// Error taxonomy (spec.md §7). These are sentinels wrapped with
// fmt.Errorf("...: %w", ErrX) by callers so errors.Is still matches while
// context is preserved.
var (
	// ErrNotFound is returned for an unknown session id or unresolvable
	// identifier. User-facing, maps to CLI exit code 1.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is disallowed in the
	// current session state (e.g. URGENT against a STOPPED target).
	ErrInvalidState = errors.New("invalid state")

	// ErrDriverFailure wraps a non-zero terminal-driver call result.
	ErrDriverFailure = errors.New("terminal driver failure")

	// ErrTransportStall marks a remote-chat long poll that exceeded the
	// health-monitor threshold.
	ErrTransportStall = errors.New("transport stall")

	// ErrHookRace marks a stop-hook transcript read that exhausted its
	// bounded retries (NULL or stale-equal).
	ErrHookRace = errors.New("hook race")
)
