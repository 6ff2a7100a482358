package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/chat"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/session"
	"github.com/modelgate/modelgate/internal/texts"
)

// Core is the session-and-turn surface the bridge drives. The real
// implementation is *chat.Orchestrator.
type Core interface {
	Ping(ctx context.Context) (version string, ok bool)
	Models(ctx context.Context) []string
	Select(user session.UserID, model string) error
	WarmUp(ctx context.Context, model string) error
	End(ctx context.Context, user session.UserID) chat.EndResult
	ClearHistory(user session.UserID)
	StartSetting(user session.UserID, p session.Pending)
	CancelSetting(user session.UserID)
	Status(user session.UserID) (sess session.Session, holder session.UserID, held bool)
	Session(user session.UserID) session.Session
	BusyHolder() (session.UserID, bool)
	HandleText(ctx context.Context, user session.UserID, text string) error
}

// selectPrefix tags inline-keyboard callback data for model selection.
const selectPrefix = "select:"

// handleTimeout bounds the processing of a single inbound update
// (warm-up and chat turns included).
const handleTimeout = 5 * time.Minute

// pollRetryDelay is the pause after a failed getUpdates call.
const pollRetryDelay = 3 * time.Second

// Bridge long-polls the Bot API and routes each update through the
// session core. Updates are handled in arrival order, which preserves
// the per-user ordering the core relies on; with one exclusive engine
// there is no throughput to win by reordering.
type Bridge struct {
	client      *Client
	core        Core
	registry    *registry.Store
	logger      *slog.Logger
	pollTimeout time.Duration
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client      *Client
	Core        Core
	Registry    *registry.Store
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// NewBridge creates a Telegram update bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Bridge{
		client:      cfg.Client,
		core:        cfg.Core,
		registry:    cfg.Registry,
		logger:      logger,
		pollTimeout: cfg.PollTimeout,
	}
}

// Start polls for updates until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("telegram bridge started", "poll_timeout", b.pollTimeout)

	var offset int64
	for {
		if ctx.Err() != nil {
			b.logger.Info("telegram bridge shutting down")
			return
		}

		updates, next, err := b.client.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("telegram bridge shutting down")
				return
			}
			b.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		offset = next

		for _, update := range updates {
			b.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate dispatches one update with a bounded lifetime.
func (b *Bridge) handleUpdate(ctx context.Context, update Update) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}

	user := session.UserID(msg.From.ID)
	b.register(user)

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "":
		// Stickers, photos, etc. — nothing for us.
	case strings.HasPrefix(text, "/"):
		b.handleCommand(ctx, user, msg.Chat.ID, text)
	default:
		if err := b.core.HandleText(ctx, user, text); err != nil {
			b.logger.Error("chat turn delivery failed",
				"user_id", int64(user),
				"error", err,
			)
		}
	}
}

// register records the user in the active-user registry. Best-effort;
// a persistence failure is already logged by the registry.
func (b *Bridge) register(user session.UserID) {
	if b.registry == nil {
		return
	}
	_ = b.registry.Add(int64(user))
}

// handleCommand routes a slash command.
func (b *Bridge) handleCommand(ctx context.Context, user session.UserID, chatID int64, text string) {
	fields := strings.Fields(text)
	command := strings.TrimPrefix(strings.ToLower(fields[0]), "/")
	// Commands in groups arrive as /command@botname.
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}

	b.logger.Debug("command received", "user_id", int64(user), "command", command)

	switch command {
	case "start":
		b.reply(ctx, chatID, texts.Start)

	case "help":
		b.reply(ctx, chatID, texts.Help)

	case "models":
		b.commandModels(ctx, user, chatID)

	case "status":
		sess, holder, held := b.core.Status(user)
		b.reply(ctx, chatID, statusText(sess, holder, held))

	case "end":
		b.commandEnd(ctx, user, chatID)

	case "clearhistory":
		b.core.ClearHistory(user)
		b.reply(ctx, chatID, texts.HistoryCleared)

	case "cancel":
		b.core.CancelSetting(user)
		b.reply(ctx, chatID, texts.PendingCanceled)

	case "settemp":
		b.core.StartSetting(user, session.PendingTemperature)
		b.reply(ctx, chatID, texts.PromptEnterTemp)

	case "settopp":
		b.core.StartSetting(user, session.PendingTopP)
		b.reply(ctx, chatID, texts.PromptEnterTopP)

	case "setmax":
		b.core.StartSetting(user, session.PendingMaxTokens)
		b.reply(ctx, chatID, texts.PromptEnterMax)

	case "system":
		b.core.StartSetting(user, session.PendingSystemPrompt)
		b.reply(ctx, chatID, texts.PromptEnterSystem)

	case "ping":
		if version, ok := b.core.Ping(ctx); ok {
			b.reply(ctx, chatID, fmt.Sprintf(texts.PingOKFmt, version))
		} else {
			b.reply(ctx, chatID, texts.EngineDown)
		}

	default:
		b.logger.Debug("unknown command ignored", "command", command)
	}
}

// commandModels lists available models behind the busy gate.
func (b *Bridge) commandModels(ctx context.Context, user session.UserID, chatID int64) {
	if holder, held := b.core.BusyHolder(); held && holder != user {
		b.reply(ctx, chatID, fmt.Sprintf(texts.BusyFmt, int64(holder)))
		return
	}

	models := b.core.Models(ctx)
	if len(models) == 0 {
		b.reply(ctx, chatID, texts.NoModels)
		return
	}

	rows := make([][]InlineKeyboardButton, 0, len(models))
	for _, model := range models {
		rows = append(rows, []InlineKeyboardButton{{
			Text:         model,
			CallbackData: selectPrefix + model,
		}})
	}
	if err := b.client.SendKeyboard(ctx, chatID, texts.ChooseModel, rows); err != nil {
		b.logger.Error("model keyboard send failed", "user_id", int64(user), "error", err)
	}
}

// commandEnd explicitly ends a session, narrating the unload.
func (b *Bridge) commandEnd(ctx context.Context, user session.UserID, chatID int64) {
	if sess := b.core.Session(user); sess.ModelID != "" {
		b.reply(ctx, chatID, texts.ModelUnloading)
	}

	res := b.core.End(ctx, user)
	if res.HadModel {
		if res.UnloadErr != nil {
			b.reply(ctx, chatID, fmt.Sprintf(texts.UnloadFailedFmt, res.UnloadErr))
		} else {
			b.reply(ctx, chatID, texts.ModelUnloaded)
		}
	}
	b.reply(ctx, chatID, texts.SessionEnded)
}

// handleCallback processes an inline-keyboard model selection.
func (b *Bridge) handleCallback(ctx context.Context, cb *CallbackQuery) {
	if cb.From == nil {
		return
	}
	user := session.UserID(cb.From.ID)
	b.register(user)

	if !strings.HasPrefix(cb.Data, selectPrefix) {
		b.answer(ctx, cb.ID, "", false)
		return
	}
	model := strings.TrimPrefix(cb.Data, selectPrefix)
	if model == "" {
		b.answer(ctx, cb.ID, "", false)
		return
	}

	err := b.core.Select(user, model)
	if busy, ok := err.(*session.BusyError); ok {
		b.answer(ctx, cb.ID, fmt.Sprintf(texts.BusyFmt, int64(busy.Holder)), true)
		return
	}
	if err != nil {
		b.logger.Error("model selection failed",
			"user_id", int64(user),
			"model", model,
			"error", err,
		)
		b.answer(ctx, cb.ID, fmt.Sprintf(texts.ErrChatFmt, err), true)
		return
	}

	selected := fmt.Sprintf(texts.ModelSelectedFmt, model)
	b.answer(ctx, cb.ID, selected, false)

	// Replace the keyboard message so the buttons cannot be pressed
	// again; best-effort, old messages may no longer be editable.
	if cb.Message != nil && cb.Message.Chat != nil {
		if err := b.client.EditMessageText(ctx, cb.Message.Chat.ID, cb.Message.MessageID, selected); err != nil {
			b.logger.Debug("keyboard edit failed", "error", err)
		}
	}

	b.reply(ctx, int64(user), texts.ModelLoading)
	if err := b.core.WarmUp(ctx, model); err != nil {
		b.reply(ctx, int64(user), fmt.Sprintf(texts.WarmupFailedFmt, err))
		return
	}
	b.reply(ctx, int64(user), texts.ModelReady)
}

// reply sends text to a chat, logging failures.
func (b *Bridge) reply(ctx context.Context, chatID int64, text string) {
	if err := b.client.SendMessage(ctx, chatID, text); err != nil {
		b.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

// answer acknowledges a callback query, logging failures.
func (b *Bridge) answer(ctx context.Context, callbackID, text string, alert bool) {
	if err := b.client.AnswerCallback(ctx, callbackID, text, alert); err != nil {
		b.logger.Warn("callback answer failed", "error", err)
	}
}

// statusText renders the /status reply.
func statusText(sess session.Session, holder session.UserID, held bool) string {
	var sb strings.Builder
	sb.WriteString("Status:\n")

	model := sess.ModelID
	if model == "" {
		model = "—"
	}
	fmt.Fprintf(&sb, "Current model: %s\n", model)

	if held {
		fmt.Fprintf(&sb, texts.BusyFmt+"\n", int64(holder))
	}

	fmt.Fprintf(&sb, "temperature=%s, top_p=%s, max_tokens=%d\n",
		strconv.FormatFloat(sess.Temperature, 'g', -1, 64),
		strconv.FormatFloat(sess.TopP, 'g', -1, 64),
		sess.MaxTokens,
	)

	if sess.SystemPrompt != "" {
		sb.WriteString(texts.StatusSystemSet)
	} else {
		sb.WriteString(texts.StatusSystemNotSet)
	}
	return sb.String()
}
