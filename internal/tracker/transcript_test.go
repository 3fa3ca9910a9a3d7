package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLastResponseImmediateSuccess(t *testing.T) {
	read := func(ctx context.Context, path string) (string, bool, error) {
		return "final answer", false, nil
	}

	resp, ok, err := ReadLastResponse(context.Background(), read, "/tmp/t.jsonl", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "final answer", resp)
}

func TestReadLastResponseNullThenPopulated(t *testing.T) {
	calls := 0
	read := func(ctx context.Context, path string) (string, bool, error) {
		calls++
		if calls == 1 {
			return "", true, nil
		}
		return "flushed", false, nil
	}

	resp, ok, err := ReadLastResponse(context.Background(), read, "/tmp/t.jsonl", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "flushed", resp)
	assert.Equal(t, 2, calls)
}

func TestReadLastResponseNullExhausted(t *testing.T) {
	read := func(ctx context.Context, path string) (string, bool, error) {
		return "", true, nil
	}

	resp, ok, err := ReadLastResponse(context.Background(), read, "/tmp/t.jsonl", "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, resp)
}

func TestReadLastResponseStaleThenFresh(t *testing.T) {
	calls := 0
	read := func(ctx context.Context, path string) (string, bool, error) {
		calls++
		if calls == 1 {
			return "same", false, nil
		}
		return "different", false, nil
	}

	resp, ok, err := ReadLastResponse(context.Background(), read, "/tmp/t.jsonl", "same")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "different", resp)
}

func TestReadLastResponseStaleExhausted(t *testing.T) {
	read := func(ctx context.Context, path string) (string, bool, error) {
		return "same", false, nil
	}

	resp, ok, err := ReadLastResponse(context.Background(), read, "/tmp/t.jsonl", "same")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, resp)
}
