package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaysoc/soc/internal/model"
	"github.com/relaysoc/soc/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, targetID, senderID, parentID, text string, mode model.DeliveryMode, category string) (*model.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return &model.QueuedMessage{}, nil
}

func (f *fakeEnqueuer) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

func TestWatchNotifiesOnIdle(t *testing.T) {
	tr := tracker.New(nil)
	enq := &fakeEnqueuer{}
	m := New(tr, enq, nil)

	saved := PollInterval

	m.Watch(context.Background(), "s1", "observer", time.Second)
	time.Sleep(10 * time.Millisecond)
	tr.ObservePromptInspection("s1", true)

	require.Eventually(t, func() bool {
		return len(enq.all()) == 1
	}, 3*PollInterval+saved, 20*time.Millisecond)

	assert.Contains(t, enq.all()[0], "is idle")
}

func TestWatchNotifiesOnTimeout(t *testing.T) {
	tr := tracker.New(nil)
	enq := &fakeEnqueuer{}
	m := New(tr, enq, nil)

	m.Watch(context.Background(), "s1", "observer", 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(enq.all()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, enq.all()[0], "timed out")
}

func TestWatchPreRegistersActiveToAvoidSpuriousResolve(t *testing.T) {
	tr := tracker.New(nil)
	tr.ObservePromptInspection("s1", true) // already idle before the watch

	enq := &fakeEnqueuer{}
	m := New(tr, enq, nil)

	m.Watch(context.Background(), "s1", "observer", 200*time.Millisecond)

	// mark_session_active must run before registering, so the watch
	// should NOT resolve immediately against pre-existing idle state.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, enq.all())
}

func TestWatchSecondarySignalForCodexTmux(t *testing.T) {
	tr := tracker.New(nil)
	enq := &fakeEnqueuer{}
	secondaryIdle := false
	m := New(tr, enq, func(target string) bool { return secondaryIdle })

	m.Watch(context.Background(), "s1", "observer", time.Second)
	time.Sleep(10 * time.Millisecond)
	secondaryIdle = true

	require.Eventually(t, func() bool {
		return len(enq.all()) == 1
	}, 3*PollInterval, 20*time.Millisecond)
	assert.Contains(t, enq.all()[0], "is idle")
}
