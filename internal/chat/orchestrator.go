// Package chat orchestrates chat turns against the inference engine on
// behalf of the session core. It is the only component that talks to
// the engine: the transport bridge parses user intent and calls in
// here, and everything engine-facing (turns, warm-up, unload, sweeps,
// inactivity expiry) funnels through the Orchestrator.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/ollama"
	"github.com/modelgate/modelgate/internal/session"
	"github.com/modelgate/modelgate/internal/texts"
	"github.com/modelgate/modelgate/internal/usage"
)

// Engine is the inference engine surface the orchestrator needs. The
// real implementation is *ollama.Client; a streaming variant can be
// swapped in behind the same interface without touching the lock or
// state-machine logic.
type Engine interface {
	Ping(ctx context.Context) (string, error)
	ListModels(ctx context.Context) ([]string, error)
	Chat(ctx context.Context, model string, messages []ollama.Message, opts ollama.Options) (*ollama.ChatResult, error)
	WarmUp(ctx context.Context, model string) error
	Unload(ctx context.Context, model string) error
}

// Sender delivers outbound text to a user. The real implementation is
// the Telegram client. Notification sends are best-effort from the
// orchestrator's point of view; chat-reply failures propagate.
type Sender interface {
	SendText(ctx context.Context, user session.UserID, text string) error
	SendTyping(ctx context.Context, user session.UserID) error
}

// Recorder persists per-turn usage statistics. The real implementation
// is *usage.Store.
type Recorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// expireTimeout bounds the engine and transport calls made when an
// inactivity timer fires.
const expireTimeout = 90 * time.Second

// Config holds the orchestrator's dependencies.
type Config struct {
	Sessions *session.Manager
	Engine   Engine
	Sender   Sender
	Usage    Recorder // optional; nil disables the ledger

	// ChunkSize is the maximum reply size per outbound message.
	ChunkSize int
	// InactivityTimeout is the idle window before a session is ended.
	InactivityTimeout time.Duration

	Logger *slog.Logger
}

// Orchestrator drives chat turns and the session lifecycle. It owns
// the inactivity watchdog: every operation that should keep a session
// alive rearms it here, and its expiry path runs through expire.
type Orchestrator struct {
	sessions  *session.Manager
	watchdog  *session.Watchdog
	engine    Engine
	sender    Sender
	usage     Recorder
	chunkSize int
	logger    *slog.Logger
}

// New creates an orchestrator and arms its inactivity watchdog.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 3800
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 5 * time.Minute
	}

	o := &Orchestrator{
		sessions:  cfg.Sessions,
		engine:    cfg.Engine,
		sender:    cfg.Sender,
		usage:     cfg.Usage,
		chunkSize: cfg.ChunkSize,
		logger:    logger,
	}
	o.watchdog = session.NewWatchdog(cfg.InactivityTimeout, o.expire, logger)
	return o
}

// Sessions exposes the session manager for read-side callers (status
// rendering in the bridge).
func (o *Orchestrator) Sessions() *session.Manager {
	return o.sessions
}

// Session returns a snapshot of the user's session without touching the
// inactivity timer.
func (o *Orchestrator) Session(user session.UserID) session.Session {
	return o.sessions.Get(user)
}

// BusyHolder reports the current engine-lock holder, if any.
func (o *Orchestrator) BusyHolder() (session.UserID, bool) {
	return o.sessions.BusyHolder()
}

// Ping probes the engine. Soft-fails: reports reachability, never
// errors.
func (o *Orchestrator) Ping(ctx context.Context) (version string, ok bool) {
	version, err := o.engine.Ping(ctx)
	if err != nil {
		o.logger.Warn("engine ping failed", "error", err)
		return "", false
	}
	return version, true
}

// Models lists the available models. Soft-fails to an empty list.
func (o *Orchestrator) Models(ctx context.Context) []string {
	models, err := o.engine.ListModels(ctx)
	if err != nil {
		o.logger.Warn("model list failed", "error", err)
		return nil
	}
	return models
}

// Select grants the engine lock to user for model and rearms the
// inactivity timer. Returns *session.BusyError when another user holds
// the lock; nothing changes in that case.
func (o *Orchestrator) Select(user session.UserID, model string) error {
	if err := o.sessions.SelectModel(user, model); err != nil {
		return err
	}
	o.watchdog.Touch(user)
	return nil
}

// WarmUp forces the model into the engine's serving memory.
func (o *Orchestrator) WarmUp(ctx context.Context, model string) error {
	return o.engine.WarmUp(ctx, model)
}

// EndResult is the outcome of an explicit session end.
type EndResult struct {
	// HadModel reports whether a model was active before the reset.
	HadModel bool
	// UnloadErr is the unload failure, if any. The session is reset
	// regardless: a possibly-still-resident model beats a stuck
	// session.
	UnloadErr error
}

// End unloads the user's model (if any), resets their session, and
// cancels their inactivity timer.
func (o *Orchestrator) End(ctx context.Context, user session.UserID) EndResult {
	var res EndResult

	sess := o.sessions.Get(user)
	if sess.ModelID != "" {
		res.HadModel = true
		if err := o.engine.Unload(ctx, sess.ModelID); err != nil {
			o.logger.Error("model unload failed",
				"user_id", int64(user),
				"model", sess.ModelID,
				"error", err,
			)
			res.UnloadErr = err
		}
	}

	o.sessions.EndSession(user)
	o.watchdog.Cancel(user)
	return res
}

// ClearHistory drops the user's conversation history, keeping the
// session alive when a model is active.
func (o *Orchestrator) ClearHistory(user session.UserID) {
	o.sessions.ClearHistory(user)
	if sess := o.sessions.Get(user); sess.ModelID != "" {
		o.watchdog.Touch(user)
	}
}

// StartSetting moves the user into a pending-input state and rearms
// the inactivity timer (a settings prompt is session activity).
func (o *Orchestrator) StartSetting(user session.UserID, p session.Pending) {
	o.sessions.SetPending(user, p)
	o.watchdog.Touch(user)
}

// CancelSetting clears any pending-input state.
func (o *Orchestrator) CancelSetting(user session.UserID) {
	o.sessions.SetPending(user, session.PendingNone)
}

// Status returns a snapshot of the user's session and the current lock
// holder, rearming the timer when a model is active.
func (o *Orchestrator) Status(user session.UserID) (sess session.Session, holder session.UserID, held bool) {
	sess = o.sessions.Get(user)
	holder, held = o.sessions.BusyHolder()
	if sess.ModelID != "" {
		o.watchdog.Touch(user)
	}
	return sess, holder, held
}

// newRequestID returns a UUIDv7 for correlating a turn across logs and
// the usage ledger.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// send delivers text and logs delivery failures. Used for replies whose
// failure should not abort the surrounding flow.
func (o *Orchestrator) send(ctx context.Context, user session.UserID, text string) {
	if err := o.sender.SendText(ctx, user, text); err != nil {
		o.logger.Warn("reply send failed",
			"user_id", int64(user),
			"error", err,
		)
	}
}

// busyText names the lock holder in a busy notice.
func busyText(holder session.UserID) string {
	return fmt.Sprintf(texts.BusyFmt, int64(holder))
}
