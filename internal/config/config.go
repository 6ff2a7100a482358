// Package config handles modelgate configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/modelgate/config.yaml, /etc/modelgate/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "modelgate", "config.yaml"))
	}

	paths = append(paths, "/etc/modelgate/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all modelgate configuration.
type Config struct {
	Telegram      TelegramConfig `yaml:"telegram"`
	Ollama        OllamaConfig   `yaml:"ollama"`
	Session       SessionConfig  `yaml:"session"`
	DataDir       string         `yaml:"data_dir"`
	LogLevel      string         `yaml:"log_level"`
	StartupNotify bool           `yaml:"startup_notify"`
}

// TelegramConfig defines the Bot API connection settings.
type TelegramConfig struct {
	// Token is the bot token from @BotFather. Usually set via
	// ${TELEGRAM_BOT_TOKEN} expansion.
	Token string `yaml:"token"`
	// BaseURL overrides the Bot API endpoint (default: the public API).
	BaseURL string `yaml:"base_url"`
	// PollTimeoutSec is the getUpdates long-poll timeout (default 30).
	PollTimeoutSec int `yaml:"poll_timeout_sec"`
}

// OllamaConfig defines the inference engine connection settings.
type OllamaConfig struct {
	URL              string `yaml:"url"`
	ChatTimeoutSec   int    `yaml:"chat_timeout_sec"`
	WarmupTimeoutSec int    `yaml:"warmup_timeout_sec"`
	UnloadTimeoutSec int    `yaml:"unload_timeout_sec"`
}

// SessionConfig defines the per-user session behavior.
type SessionConfig struct {
	// HistoryWindow is the maximum number of retained history entries
	// per user (FIFO eviction, default 20).
	HistoryWindow int `yaml:"history_window"`
	// InactivityTimeoutSec ends an idle session after this many seconds
	// (default 300).
	InactivityTimeoutSec int `yaml:"inactivity_timeout_sec"`
	// ReplyChunkSize is the maximum reply size per outbound message
	// (default 3800, below Telegram's 4096 ceiling).
	ReplyChunkSize int `yaml:"reply_chunk_size"`
}

// PollTimeout returns the long-poll timeout as a duration.
func (c TelegramConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSec) * time.Second
}

// InactivityTimeout returns the idle window as a duration.
func (c SessionConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file. Environment variable
// references in the file are expanded before parsing, so secrets like
// the bot token can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		StartupNotify: true,
		DataDir:       ".",
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields that have sensible defaults.
// Every defaulted field here has no meaningful zero, so an explicit
// zero in the file is treated the same as an absent key.
func (c *Config) applyDefaults() {
	if c.Telegram.BaseURL == "" {
		c.Telegram.BaseURL = "https://api.telegram.org"
	}
	if c.Telegram.PollTimeoutSec <= 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://127.0.0.1:11434"
	}
	if c.Ollama.ChatTimeoutSec <= 0 {
		c.Ollama.ChatTimeoutSec = 120
	}
	if c.Ollama.WarmupTimeoutSec <= 0 {
		c.Ollama.WarmupTimeoutSec = 180
	}
	if c.Ollama.UnloadTimeoutSec <= 0 {
		c.Ollama.UnloadTimeoutSec = 60
	}
	if c.Session.HistoryWindow <= 0 {
		c.Session.HistoryWindow = 20
	}
	if c.Session.InactivityTimeoutSec <= 0 {
		c.Session.InactivityTimeoutSec = 300
	}
	if c.Session.ReplyChunkSize <= 0 {
		c.Session.ReplyChunkSize = 3800
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Validate checks for configuration that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is not set (set TELEGRAM_BOT_TOKEN or put it in the config file)")
	}
	return nil
}
