package observability

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "obs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecentToolUse(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordToolUse("s1", "Edit", "main.go"))
	require.NoError(t, s.RecordToolUse("s1", "Bash", "go test"))

	entries := s.RecentToolUse("s1", 5)
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0], "Bash")
	assert.Contains(t, entries[1], "Edit")
}

func TestRecentToolUseRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.RecordToolUse("s1", "Edit", "f"))
	}
	entries := s.RecentToolUse("s1", 5)
	assert.Len(t, entries, 5)
}

func TestUpdateStatusAndStatusText(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateStatus("s1", 1200, "refactoring parser"))

	text := s.StatusText("s1")
	assert.Contains(t, text, "refactoring parser")
	assert.Contains(t, text, "1200")

	assert.False(t, s.AgentStatusAt("s1").IsZero())
}

func TestStatusTextUnknownSession(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, "no status recorded", s.StatusText("ghost"))
	assert.True(t, s.AgentStatusAt("ghost").IsZero())
}
