package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/modelgate/modelgate/internal/ollama"
	"github.com/modelgate/modelgate/internal/session"
	"github.com/modelgate/modelgate/internal/texts"
	"github.com/modelgate/modelgate/internal/usage"
)

// HandleText processes one free-text message from a user.
//
// The pending-input state machine gets first claim on the text. After
// that the busy gate and the model check can short-circuit without side
// effects. Once the engine call succeeds, the history commit, the
// ledger write, the chunked reply, and the timer rearm all run — a
// failed reply send is reported to the caller but never rolls back the
// committed turn.
func (o *Orchestrator) HandleText(ctx context.Context, user session.UserID, text string) error {
	if res := o.sessions.Resolve(user, text); res.Handled {
		o.send(ctx, user, res.Reply)
		if res.OK {
			o.watchdog.Touch(user)
		}
		return nil
	}

	if holder, held := o.sessions.BusyHolder(); held && holder != user {
		o.send(ctx, user, busyText(holder))
		return nil
	}

	sess := o.sessions.Get(user)
	if sess.ModelID == "" {
		o.send(ctx, user, texts.NeedSelectModel)
		return nil
	}

	// Typing indicator is cosmetic; failure is not worth a log line
	// above debug.
	if err := o.sender.SendTyping(ctx, user); err != nil {
		o.logger.Debug("typing indicator failed", "user_id", int64(user), "error", err)
	}

	requestID := newRequestID()
	messages := buildMessages(sess, text, o.sessions.Window())

	o.logger.Info("chat turn started",
		"request_id", requestID,
		"user_id", int64(user),
		"model", sess.ModelID,
		"messages", len(messages),
	)

	started := time.Now()
	result, err := o.engine.Chat(ctx, sess.ModelID, messages, ollama.Options{
		Temperature: sess.Temperature,
		TopP:        sess.TopP,
		NumPredict:  sess.MaxTokens,
	})
	if err != nil {
		// No history mutation, no timer reset: the turn never happened.
		o.logger.Error("chat turn failed",
			"request_id", requestID,
			"user_id", int64(user),
			"model", sess.ModelID,
			"error", err,
		)
		o.send(ctx, user, fmt.Sprintf(texts.ErrChatFmt, err))
		return nil
	}

	o.sessions.AppendTurn(user, text, result.Text)
	o.recordTurn(ctx, requestID, user, sess.ModelID, result, time.Since(started))

	var sendErr error
	for _, chunk := range chunkText(result.Text, o.chunkSize) {
		if err := o.sender.SendText(ctx, user, chunk); err != nil {
			sendErr = fmt.Errorf("send reply: %w", err)
			break
		}
	}

	o.watchdog.Touch(user)

	o.logger.Info("chat turn completed",
		"request_id", requestID,
		"user_id", int64(user),
		"model", sess.ModelID,
		"response_len", len(result.Text),
		"duration", time.Since(started),
	)
	return sendErr
}

// recordTurn appends a ledger row for a completed turn. Ledger failures
// are logged and swallowed.
func (o *Orchestrator) recordTurn(ctx context.Context, requestID string, user session.UserID, model string, result *ollama.ChatResult, elapsed time.Duration) {
	if o.usage == nil {
		return
	}

	duration := result.TotalDuration
	if duration <= 0 {
		duration = elapsed
	}

	err := o.usage.Record(ctx, usage.Record{
		RequestID:    requestID,
		UserID:       int64(user),
		Model:        model,
		PromptTokens: result.PromptEvalCount,
		OutputTokens: result.EvalCount,
		Duration:     duration,
	})
	if err != nil {
		o.logger.Warn("usage record failed",
			"request_id", requestID,
			"error", err,
		)
	}
}

// buildMessages constructs the outbound message list: the optional
// system message, the most recent window-1 history entries in
// chronological order, and the new user message last.
func buildMessages(sess session.Session, text string, window int) []ollama.Message {
	history := sess.History
	if keep := window - 1; len(history) > keep {
		history = history[len(history)-keep:]
	}

	messages := make([]ollama.Message, 0, len(history)+2)
	if sess.SystemPrompt != "" {
		messages = append(messages, ollama.Message{Role: "system", Content: sess.SystemPrompt})
	}
	for _, entry := range history {
		messages = append(messages, ollama.Message{Role: entry.Role, Content: entry.Content})
	}
	messages = append(messages, ollama.Message{Role: "user", Content: text})
	return messages
}

// chunkText splits text into rune-safe chunks of at most size runes,
// preserving order. Empty text yields no chunks.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
