// Modelgate is a Telegram gatekeeper for a locally hosted Ollama
// inference engine.
//
// A single local engine can realistically serve one conversation at a
// time, so modelgate hands out an exclusive session lock: one user
// selects a model, chats with it, and everyone else is told who holds
// the engine until the session ends (explicitly or by inactivity).
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	modelgate serve          Start the bot
//	modelgate init [dir]     Initialize a working directory with defaults
//	modelgate version        Print version and build information
//	modelgate -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modelgate/modelgate/internal/buildinfo"
	"github.com/modelgate/modelgate/internal/chat"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/health"
	"github.com/modelgate/modelgate/internal/ollama"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/session"
	"github.com/modelgate/modelgate/internal/telegram"
	"github.com/modelgate/modelgate/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the modelgate command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the bridge and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Modelgate - Telegram gatekeeper for a local Ollama instance")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: modelgate [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bot")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/modelgate/config.yaml, /etc/modelgate/config.yaml")
	return nil
}

// runServe handles the "modelgate serve" subcommand. It is the primary
// operating mode: loads config, opens the registry and usage ledger,
// validates the bot token, starts the health watcher and the update
// bridge, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context and the bridge loop exits
//  2. The watchdog stops, registered users are notified
//  3. Every resident model is unloaded from the engine
//  4. The ledger and health watcher are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting modelgate",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, level)

	logger.Info("config loaded",
		"path", cfgPath,
		"ollama_url", cfg.Ollama.URL,
		"history_window", cfg.Session.HistoryWindow,
		"inactivity_timeout", cfg.Session.InactivityTimeout(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Registry of every user who ever talked to the bot, for the
	// startup and shutdown notification sweeps.
	reg, err := registry.Open(filepath.Join(cfg.DataDir, "users.json"), logger)
	if err != nil {
		return fmt.Errorf("open user registry: %w", err)
	}
	logger.Info("user registry opened", "users", reg.Len())

	ledger, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer ledger.Close()

	engine := ollama.NewClient(cfg.Ollama.URL, ollama.Timeouts{
		Chat:   time.Duration(cfg.Ollama.ChatTimeoutSec) * time.Second,
		Warmup: time.Duration(cfg.Ollama.WarmupTimeoutSec) * time.Second,
		Unload: time.Duration(cfg.Ollama.UnloadTimeoutSec) * time.Second,
	}, logger)

	tg := telegram.NewClient(cfg.Telegram.BaseURL, cfg.Telegram.Token, logger)

	// Validate the token before anything else starts; a bad token is a
	// configuration error, not a runtime condition to retry.
	meCtx, meCancel := context.WithTimeout(ctx, 10*time.Second)
	me, err := tg.GetMe(meCtx)
	meCancel()
	if err != nil {
		return fmt.Errorf("telegram token check failed: %w", err)
	}
	logger.Info("telegram connected", "bot", me.Username, "bot_id", me.ID)

	sessions := session.NewManager(cfg.Session.HistoryWindow, logger)
	core := chat.New(chat.Config{
		Sessions:          sessions,
		Engine:            engine,
		Sender:            tg,
		Usage:             ledger,
		ChunkSize:         cfg.Session.ReplyChunkSize,
		InactivityTimeout: cfg.Session.InactivityTimeout(),
		Logger:            logger,
	})

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watcher := health.Watch(ctx, "ollama", func(pCtx context.Context) error {
		_, err := engine.Ping(pCtx)
		return err
	}, logger)
	defer watcher.Stop()

	if cfg.StartupNotify {
		noteCtx, noteCancel := context.WithTimeout(ctx, 30*time.Second)
		core.NotifyStartup(noteCtx, reg.Users())
		noteCancel()
	}

	bridge := telegram.NewBridge(telegram.BridgeConfig{
		Client:      tg,
		Core:        core,
		Registry:    reg,
		PollTimeout: cfg.Telegram.PollTimeout(),
		Logger:      logger,
	})

	// Blocks until the context is cancelled.
	bridge.Start(ctx)

	// The parent context is gone; the sweep gets its own deadline so
	// the farewell messages and unloads still go out.
	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer sweepCancel()
	core.Shutdown(sweepCtx, reg.Users())

	logger.Info("modelgate stopped")
	return nil
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output in modelgate goes through slog; this
// helper standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
