package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaysoc/soc/internal/delivery"
	"github.com/relaysoc/soc/internal/handoff"
	"github.com/relaysoc/soc/internal/model"
	"github.com/relaysoc/soc/internal/observability"
	"github.com/relaysoc/soc/internal/registry"
	"github.com/relaysoc/soc/internal/reminder"
	"github.com/relaysoc/soc/internal/statedb"
	"github.com/relaysoc/soc/internal/terminaldriver"
	"github.com/relaysoc/soc/internal/tracker"
	"github.com/relaysoc/soc/internal/watch"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *tracker.Tracker, *terminaldriver.FakeDriver, *delivery.Engine) {
	t.Helper()

	dir := t.TempDir()
	db, err := statedb.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	obs, err := observability.Open(filepath.Join(dir, "obs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Close() })

	reg := registry.New("")
	driver := terminaldriver.NewFakeDriver()

	var eng *delivery.Engine
	tr := tracker.New(func(target string) {
		_ = eng.FlushTarget(context.Background(), target)
	})
	eng = delivery.New(db, reg, tr, driver)

	rem := reminder.New(db, reg, tr, eng, obs)
	hc := handoff.New(reg, tr, driver, eng, rem, eng, filepath.Join(dir, "handoffs"))
	wm := watch.New(tr, eng, nil)

	srv := NewServer("127.0.0.1:0", Deps{
		Registry: reg,
		Delivery: eng,
		Tracker:  tr,
		Reminder: rem,
		Handoff:  hc,
		Watch:    wm,
		Driver:   driver,
		Obs:      obs,
	})
	return srv, reg, tr, driver, eng
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/healthz", nil)
	require.Equal(t, 200, rec.Code)
}

func TestCreateAndGetSession(t *testing.T) {
	srv, reg, _, driver, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/sessions", createSessionRequest{
		Provider:   string(model.ProviderClaudeTmux),
		WorkingDir: "/tmp/work",
	})
	require.Equal(t, 201, rec.Code)

	var created sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.TmuxName)

	require.Len(t, driver.CallsMatching("CreatePane"), 1)
	require.NotNil(t, reg.Get(created.ID))

	rec2 := doJSON(t, srv, "GET", "/sessions/"+created.ID, nil)
	require.Equal(t, 200, rec2.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "GET", "/sessions/deadbeef", nil)
	require.Equal(t, 404, rec.Code)
}

func TestInputEnqueuesAndRegistersReminder(t *testing.T) {
	srv, reg, tr, driver, _ := newTestServer(t)
	sess := &model.Session{ID: "abc12345", Provider: model.ProviderClaudeTmux, TmuxName: "pane-abc", ParentID: "parent1"}
	require.NoError(t, reg.Create(sess))
	driver.SetPaneContent(sess.TmuxName, ">")
	tr.ObservePromptInspection(sess.ID, true)

	soft, hard := 60, 120
	rec := doJSON(t, srv, "POST", "/sessions/abc12345/input", inputRequest{
		Text:        "hello",
		Mode:        "sequential",
		RemindSoftS: &soft,
		RemindHardS: &hard,
	})
	require.Equal(t, 202, rec.Code)

	require.Eventually(t, func() bool {
		return len(driver.CallsMatching("SendLiteralText")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestKillSessionStopsAndTearsDown(t *testing.T) {
	srv, reg, _, driver, _ := newTestServer(t)
	sess := &model.Session{ID: "xyz98765", Provider: model.ProviderClaudeTmux, TmuxName: "pane-xyz"}
	require.NoError(t, reg.Create(sess))
	driver.SetPaneContent(sess.TmuxName, ">")

	rec := doJSON(t, srv, "DELETE", "/sessions/xyz98765", nil)
	require.Equal(t, 200, rec.Code)

	require.Len(t, driver.CallsMatching("KillPane"), 1)
	require.Equal(t, model.StatusStopped, reg.Get(sess.ID).Status)
}

func TestHookPreToolUseUpdatesRegistry(t *testing.T) {
	srv, reg, _, _, _ := newTestServer(t)
	sess := &model.Session{ID: "hook0001", Provider: model.ProviderClaudeTmux, TmuxName: "pane-hook"}
	require.NoError(t, reg.Create(sess))

	rec := doJSON(t, srv, "POST", "/hooks/claude_tmux", hookRequest{
		SessionID: "hook0001",
		Event:     "PreToolUse",
		ToolName:  "Edit",
	})
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "Edit", reg.Get(sess.ID).LastToolName)
}

func TestHookUnknownEventRejected(t *testing.T) {
	srv, reg, _, _, _ := newTestServer(t)
	sess := &model.Session{ID: "hook0002", Provider: model.ProviderClaudeTmux, TmuxName: "pane-hook2"}
	require.NoError(t, reg.Create(sess))

	rec := doJSON(t, srv, "POST", "/hooks/claude_tmux", hookRequest{
		SessionID: "hook0002",
		Event:     "bogus",
	})
	require.Equal(t, 400, rec.Code)
}

func TestWatchRequiresFields(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	rec := doJSON(t, srv, "POST", "/watch", watchRequest{})
	require.Equal(t, 400, rec.Code)
}

// TestContextResetCancelsStaleContextMonitorMessages exercises spec.md
// §4.1's "called on session clear and on explicit context-reset signal"
// rule end to end: a context_monitor-category message sent by a target is
// dropped once that target's context is reset, and never reaches its
// recipient's pane.
func TestContextResetCancelsStaleContextMonitorMessages(t *testing.T) {
	srv, reg, _, driver, eng := newTestServer(t)

	sender := &model.Session{ID: "sender01", Provider: model.ProviderClaudeTmux, TmuxName: "pane-sender"}
	require.NoError(t, reg.Create(sender))
	recv := &model.Session{ID: "recvr001", Provider: model.ProviderClaudeTmux, TmuxName: "pane-recvr"}
	require.NoError(t, reg.Create(recv))
	driver.SetPaneContent(recv.TmuxName, ">")

	_, err := eng.Enqueue(context.Background(), recv.ID, sender.ID, "", "stale digest", model.ModeImportant, model.ContextMonitorCategory)
	require.NoError(t, err)

	rec := doJSON(t, srv, "POST", "/hooks/claude_tmux", hookRequest{
		SessionID: sender.ID,
		Event:     "context_reset",
	})
	require.Equal(t, 200, rec.Code)

	// Going idle now would flush any surviving message straight to the pane;
	// the Tracker fires FlushTarget asynchronously, so poll rather than
	// assert once.
	rec = doJSON(t, srv, "POST", "/hooks/claude_tmux", hookRequest{
		SessionID: recv.ID,
		Event:     "Stop",
	})
	require.Equal(t, 200, rec.Code)

	require.Never(t, func() bool {
		for _, call := range driver.CallsMatching("SendLiteralText") {
			if strings.Contains(call.Text, "stale digest") {
				return true
			}
		}
		return false
	}, 200*time.Millisecond, 10*time.Millisecond)
}
