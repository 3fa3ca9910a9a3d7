package chatgateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHealthMonitorCancelsStalledPoll exercises the watchdog goroutine in
// isolation: a stale lastUpdate timestamp plus an in-flight pollCancel must
// result in that cancel being invoked, so pollLoop's next pass starts a
// fresh iteration instead of waiting on a wedged request forever.
func TestHealthMonitorCancelsStalledPoll(t *testing.T) {
	g := NewTelegramGateway("test-token", nil)
	g.SetHealthCheckPeriod(20 * time.Millisecond)

	cancelled := make(chan struct{})
	g.mu.Lock()
	g.lastUpdate = time.Now().Add(-time.Hour)
	g.pollCancel = func() { close(cancelled) }
	g.mu.Unlock()

	ctx, stop := context.WithCancel(context.Background())
	g.wg.Add(1)
	go g.healthMonitor(ctx)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("health monitor never cancelled the stalled poll")
	}

	stop()
	g.wg.Wait()
}

// TestHealthMonitorLeavesFreshPollAlone confirms the watchdog is a no-op
// while lastUpdate is recent, so it never interrupts healthy polling.
func TestHealthMonitorLeavesFreshPollAlone(t *testing.T) {
	g := NewTelegramGateway("test-token", nil)
	g.SetHealthCheckPeriod(20 * time.Millisecond)

	cancelled := false
	g.mu.Lock()
	g.lastUpdate = time.Now()
	g.pollCancel = func() { cancelled = true }
	g.mu.Unlock()

	ctx, stop := context.WithCancel(context.Background())
	g.wg.Add(1)
	go g.healthMonitor(ctx)

	time.Sleep(80 * time.Millisecond)
	stop()
	g.wg.Wait()

	require.False(t, cancelled)
}
