package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	t.Setenv("SOC_HOME", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8787", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv("SOC_HOME", t.TempDir())

	cfg := &Config{
		HTTPAddr: "127.0.0.1:9999",
		LogLevel: "debug",
		Telegram: TelegramConfig{BotToken: "secret-token"},
	}
	require.NoError(t, Save(cfg))

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.HTTPAddr, loaded.HTTPAddr)
	assert.Equal(t, cfg.LogLevel, loaded.LogLevel)
	assert.Equal(t, cfg.Telegram.BotToken, loaded.Telegram.BotToken)
}

func TestPathsUnderAppDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SOC_HOME", dir)

	regPath, err := RegistrySnapshotPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "registry.json"), regPath)

	dbPath, err := StateDBPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state.db"), dbPath)
}
