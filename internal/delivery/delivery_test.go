package delivery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaysoc/soc/internal/model"
	"github.com/relaysoc/soc/internal/registry"
	"github.com/relaysoc/soc/internal/statedb"
	"github.com/relaysoc/soc/internal/terminaldriver"
	"github.com/relaysoc/soc/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, *tracker.Tracker, *terminaldriver.FakeDriver) {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New("")
	driver := terminaldriver.NewFakeDriver()

	var eng *Engine
	tr := tracker.New(func(target string) {
		_ = eng.FlushTarget(context.Background(), target)
	})
	eng = New(db, reg, tr, driver)
	return eng, reg, tr, driver
}

func seedSession(t *testing.T, reg *registry.Registry, driver *terminaldriver.FakeDriver, id string) {
	t.Helper()
	s := &model.Session{ID: id, Provider: model.ProviderClaudeTmux, TmuxName: "pane-" + id}
	require.NoError(t, reg.Create(s))
	driver.SetPaneContent(s.TmuxName, ">")
}

func TestEnqueueSequentialDeliversWhenIdle(t *testing.T) {
	eng, reg, tr, driver := newTestEngine(t)
	seedSession(t, reg, driver, "abc1")
	tr.ObservePromptInspection("abc1", true)

	_, err := eng.Enqueue(context.Background(), "abc1", "user", "", "hello", model.ModeSequential, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(driver.CallsMatching("SendSubmitKey")) == 1
	}, time.Second, 10*time.Millisecond)

	textCalls := driver.CallsMatching("SendLiteralText")
	require.Len(t, textCalls, 1)
	assert.Equal(t, "hello", textCalls[0].Text)
}

func TestEnqueueSequentialDefersWhenBusy(t *testing.T) {
	eng, reg, tr, driver := newTestEngine(t)
	seedSession(t, reg, driver, "abc1")
	tr.MarkSessionActive("abc1")

	_, err := eng.Enqueue(context.Background(), "abc1", "user", "", "hello", model.ModeSequential, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, driver.CallsMatching("SendLiteralText"))

	tr.ObservePromptInspection("abc1", true)
	require.Eventually(t, func() bool {
		return len(driver.CallsMatching("SendSubmitKey")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTwoPhaseInjectionNeverCombined(t *testing.T) {
	eng, reg, tr, driver := newTestEngine(t)
	seedSession(t, reg, driver, "abc1")
	tr.ObservePromptInspection("abc1", true)

	_, err := eng.Enqueue(context.Background(), "abc1", "user", "", "hello", model.ModeSequential, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(driver.Calls) >= 2
	}, time.Second, 10*time.Millisecond)

	var textIdx, submitIdx = -1, -1
	for i, c := range driver.Calls {
		if c.Method == "SendLiteralText" && textIdx == -1 {
			textIdx = i
		}
		if c.Method == "SendSubmitKey" && submitIdx == -1 {
			submitIdx = i
		}
	}
	require.NotEqual(t, -1, textIdx)
	require.NotEqual(t, -1, submitIdx)
	assert.Less(t, textIdx, submitIdx)
	// The two calls must never be the same call (no combined "text+\r").
	assert.NotEqual(t, textIdx, submitIdx)
}

func TestFIFOOrderingWithinTarget(t *testing.T) {
	eng, reg, tr, driver := newTestEngine(t)
	seedSession(t, reg, driver, "abc1")
	tr.MarkSessionActive("abc1")

	_, err := eng.Enqueue(context.Background(), "abc1", "user", "", "first", model.ModeSequential, "")
	require.NoError(t, err)
	_, err = eng.Enqueue(context.Background(), "abc1", "user", "", "second", model.ModeSequential, "")
	require.NoError(t, err)

	tr.ObservePromptInspection("abc1", true)

	require.Eventually(t, func() bool {
		return len(driver.CallsMatching("SendLiteralText")) == 2
	}, time.Second, 10*time.Millisecond)

	texts := driver.CallsMatching("SendLiteralText")
	assert.Equal(t, "first", texts[0].Text)
	assert.Equal(t, "second", texts[1].Text)
}

func TestCancelContextMonitorMessagesFromSkipsUserTraffic(t *testing.T) {
	eng, reg, tr, driver := newTestEngine(t)
	seedSession(t, reg, driver, "abc1")
	tr.MarkSessionActive("abc1")

	_, err := eng.Enqueue(context.Background(), "abc1", "reminder-daemon", "", "context check", model.ModeSequential, model.ContextMonitorCategory)
	require.NoError(t, err)
	_, err = eng.Enqueue(context.Background(), "abc1", "reminder-daemon", "", "user typed this", model.ModeSequential, "")
	require.NoError(t, err)

	n, err := eng.CancelContextMonitorMessagesFrom("reminder-daemon")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tr.ObservePromptInspection("abc1", true)
	require.Eventually(t, func() bool {
		return len(driver.CallsMatching("SendLiteralText")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "user typed this", driver.CallsMatching("SendLiteralText")[0].Text)
}

func TestEnqueueRejectsStoppedSession(t *testing.T) {
	eng, reg, _, driver := newTestEngine(t)
	seedSession(t, reg, driver, "abc1")
	require.NoError(t, reg.UpdateStatus("abc1", model.StatusStopped))

	_, err := eng.Enqueue(context.Background(), "abc1", "user", "", "hello", model.ModeSequential, "")
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) Notify(ctx context.Context, chatID, threadID int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestOutboundNotifierFiresForContextMonitorNotUserTraffic(t *testing.T) {
	eng, reg, tr, driver := newTestEngine(t)
	sess := &model.Session{ID: "abc1", Provider: model.ProviderClaudeTmux, TmuxName: "pane-abc1", ChatID: 555, ThreadID: 7}
	require.NoError(t, reg.Create(sess))
	driver.SetPaneContent(sess.TmuxName, ">")
	tr.ObservePromptInspection("abc1", true)

	notifier := &fakeNotifier{}
	eng.SetOutboundNotifier(notifier)

	_, err := eng.Enqueue(context.Background(), "abc1", "user", "", "hello", model.ModeSequential, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(driver.CallsMatching("SendSubmitKey")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, notifier.count())

	_, err = eng.Enqueue(context.Background(), "abc1", "reminder-scheduler", "", "checking in", model.ModeImportant, model.ContextMonitorCategory)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return notifier.count() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUrgentDeliveryCancelsThenInjects(t *testing.T) {
	eng, reg, _, driver := newTestEngine(t)
	seedSession(t, reg, driver, "abc1")

	_, err := eng.Enqueue(context.Background(), "abc1", "operator", "", "stop now", model.ModeUrgent, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(driver.CallsMatching("SendSubmitKey")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancelCalls := driver.CallsMatching("SendCancelKey")
	require.Len(t, cancelCalls, 1)
	textCalls := driver.CallsMatching("SendLiteralText")
	require.Len(t, textCalls, 1)
	assert.Contains(t, textCalls[0].Text, "stop now")
}
