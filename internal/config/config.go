// Package config loads and persists the daemon's TOML configuration, and
// resolves the app directory tree under which the registry snapshot,
// state databases, logs, and handoff artifacts live.
//
// Grounded on the teacher's internal/session/config.go (GetAgentDeckDir,
// GetProfileDir path resolution) and internal/session/userconfig.go
// (BurntSushi/toml decode/encode, atomic-write-with-header idiom).
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// AppDirName is the default directory under the user's home holding all
// SOC state, mirroring the teacher's ~/.agent-deck convention.
const AppDirName = ".soc"

// ConfigFileName is the daemon's TOML configuration file.
const ConfigFileName = "config.toml"

// Config is the daemon's user-facing configuration.
type Config struct {
	// HTTPAddr is the control plane's loopback listen address.
	HTTPAddr string `toml:"http_addr"`

	// TmuxSocket optionally pins the daemon to a non-default tmux
	// server, the same override internal/terminaldriver.TmuxDriver
	// exposes for test isolation.
	TmuxSocket string `toml:"tmux_socket"`

	// Telegram carries the bot credentials for the chat gateway.
	Telegram TelegramConfig `toml:"telegram"`

	// Push carries Web Push (VAPID) settings for the browser channel.
	Push PushConfig `toml:"push"`

	// Reminder overrides the Reminder Scheduler's default thresholds.
	Reminder ReminderConfig `toml:"reminder"`

	// Delivery overrides the Delivery Engine's injection timing.
	Delivery DeliveryConfig `toml:"delivery"`

	// LogLevel is one of debug/info/warn/error.
	LogLevel string `toml:"log_level"`
}

// TelegramConfig holds the bot token used by chatgateway.TelegramGateway.
type TelegramConfig struct {
	BotToken string `toml:"bot_token"`
}

// PushConfig holds Web Push VAPID subject override (the keypair itself is
// generated and persisted separately by chatgateway.EnsureVAPIDKeys).
type PushConfig struct {
	VAPIDSubject string `toml:"vapid_subject"`
}

// ReminderConfig overrides spec.md §4.4's default thresholds, expressed in
// seconds for TOML readability.
type ReminderConfig struct {
	SoftThresholdSeconds int `toml:"soft_threshold_seconds"`
	HardThresholdSeconds int `toml:"hard_threshold_seconds"`
}

// DeliveryConfig overrides the two-phase injection contract's settle delay
// (spec.md §4.2/§8 Scenario D: the gap between send_literal_text and
// send_submit_key must be at least 300ms). Values below that floor are
// clamped by delivery.Engine.SetSettleDelay and handoff.Coordinator.SetSettleDelay.
type DeliveryConfig struct {
	SettleDelayMS int `toml:"settle_delay_ms"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr: "127.0.0.1:8787",
		LogLevel: "info",
		Delivery: DeliveryConfig{SettleDelayMS: 300},
	}
}

// AppDir returns the base SOC directory (~/.soc), honoring the SOC_HOME
// environment override used by tests and alternate profiles.
func AppDir() (string, error) {
	if dir := os.Getenv("SOC_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, AppDirName), nil
}

// Path returns the path to the daemon's config.toml.
func Path() (string, error) {
	dir, err := AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// Load reads config.toml, returning defaults if it doesn't exist yet.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		return &cfg, nil
	}

	cfg := defaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to config.toml using the atomic temp-file-then-rename
// pattern, matching the teacher's SaveUserConfig.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# Session Orchestration Core daemon configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// RegistrySnapshotPath returns the path for the Session Registry's JSON
// snapshot (spec.md §6).
func RegistrySnapshotPath() (string, error) {
	dir, err := AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "registry.json"), nil
}

// StateDBPath returns the path for the Delivery/Reminder statedb (spec.md
// §6).
func StateDBPath() (string, error) {
	dir, err := AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// ObservabilityDBPath returns the path for the tool-use telemetry store.
func ObservabilityDBPath() (string, error) {
	dir, err := AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "observability.db"), nil
}

// HandoffsDir returns the base directory for handoff snapshot artifacts
// (spec.md §6: ~/.local/share/<app>/handoffs/<id>-<ts>/dump.txt).
func HandoffsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	if dir := os.Getenv("SOC_HOME"); dir != "" {
		return filepath.Join(dir, "handoffs"), nil
	}
	return filepath.Join(home, ".local", "share", "soc", "handoffs"), nil
}

// PipeLogPath returns the always-on pipe-log path for a tmux pane (spec.md
// §6: /tmp/<app>-sessions/<pane>.log).
func PipeLogPath(pane string) string {
	return filepath.Join(os.TempDir(), "soc-sessions", pane+".log")
}

// LogsDir returns the directory rotating daemon logs are written to.
func LogsDir() (string, error) {
	dir, err := AppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}
