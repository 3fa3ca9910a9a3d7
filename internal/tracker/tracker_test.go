package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSkipFenceAbsorbsLateClearHook mirrors original_source's
// test_race_scenario_skip_count_absorbs_late_clear_hook (issue #174): a
// Handoff clear arms the fence, then a late /clear Stop hook must be
// absorbed without setting idle.
func TestSkipFenceAbsorbsLateClearHook(t *testing.T) {
	tr := New(nil)
	tr.ArmSkipFence("engineer-174")

	res := tr.HandleStopHook("engineer-174")
	assert.True(t, res.Absorbed)
	assert.False(t, tr.IsIdle("engineer-174"))

	state := tr.State("engineer-174")
	assert.Equal(t, 0, state.StopNotifySkipCount)
}

// TestSkipFenceExpiresAfterTTL covers the "lost clear-hook" defence: once
// the TTL elapses, the fence clears and the next stop hook is processed
// normally.
func TestSkipFenceExpiresAfterTTL(t *testing.T) {
	now := time.Now()
	tr := New(nil)
	tr.SetClock(func() time.Time { return now })
	tr.ArmSkipFence("s1")

	now = now.Add(SkipFenceTTL + time.Second)

	res := tr.HandleStopHook("s1")
	assert.False(t, res.Absorbed)
	assert.True(t, tr.IsIdle("s1"))
}

func TestPendingHandoffPathBranch(t *testing.T) {
	tr := New(nil)
	tr.SetPendingHandoffPath("s1", "/tmp/continuation.txt")

	res := tr.HandleStopHook("s1")
	require.True(t, res.HandoffBranch)
	assert.Equal(t, "/tmp/continuation.txt", res.PendingHandoffPath)
	assert.False(t, tr.IsIdle("s1"))

	// Second stop hook with no pending path set: normal idle transition.
	res2 := tr.HandleStopHook("s1")
	assert.False(t, res2.HandoffBranch)
	assert.True(t, tr.IsIdle("s1"))
}

func TestOnIdleCallbackFiresOnTransition(t *testing.T) {
	fired := make(chan string, 1)
	tr := New(func(target string) { fired <- target })

	tr.ObservePromptInspection("s1", true)

	select {
	case target := <-fired:
		assert.Equal(t, "s1", target)
	case <-time.After(time.Second):
		t.Fatal("onIdle callback never fired")
	}
}

func TestOnIdleCallbackDoesNotRefireWhileAlreadyIdle(t *testing.T) {
	fired := make(chan string, 2)
	tr := New(func(target string) { fired <- target })

	tr.ObservePromptInspection("s1", true)
	tr.ObservePromptInspection("s1", true)

	<-fired
	select {
	case <-fired:
		t.Fatal("onIdle fired twice for a single idle transition")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMarkSessionActiveClearsIdle(t *testing.T) {
	tr := New(nil)
	tr.ObservePromptInspection("s1", true)
	require.True(t, tr.IsIdle("s1"))

	tr.MarkSessionActive("s1")
	assert.False(t, tr.IsIdle("s1"))
}

func TestPromptInspectionRespectsSkipFence(t *testing.T) {
	tr := New(nil)
	tr.ArmSkipFence("s1")

	tr.ObservePromptInspection("s1", true)
	assert.False(t, tr.IsIdle("s1"))
}

func TestProviderTurnCompleteSetsIdle(t *testing.T) {
	tr := New(nil)
	tr.ObserveProviderTurnComplete("codex-app-1")
	assert.True(t, tr.IsIdle("codex-app-1"))
}
