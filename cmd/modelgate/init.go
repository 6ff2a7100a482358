package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// defaultConfigYAML is the starter configuration written by `modelgate
// init`. The bot token is referenced via environment expansion so it
// never has to live in the file.
const defaultConfigYAML = `# Modelgate configuration.
# Environment variables are expanded, so secrets can stay out of this file.

telegram:
  token: ${TELEGRAM_BOT_TOKEN}
  # poll_timeout_sec: 30

ollama:
  url: http://127.0.0.1:11434
  # chat_timeout_sec: 120
  # warmup_timeout_sec: 180
  # unload_timeout_sec: 60

session:
  # history_window: 20
  # inactivity_timeout_sec: 300
  # reply_chunk_size: 3800

# Where the user registry and usage ledger live.
data_dir: ./data

# debug, info, warn, or error.
log_level: info

# Message previously seen users when the bot comes back online.
startup_notify: true
`

// runInit initializes a modelgate working directory with default files.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing modelgate workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, []byte(defaultConfigYAML)); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set TELEGRAM_BOT_TOKEN (or edit config.yaml) and run: modelgate serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
