// Package telegram is a hand-rolled Telegram Bot API client and the
// bridge that routes inbound updates to the session core. Long polling
// over plain HTTP keeps the dependency surface flat — the API is a
// small JSON-over-POST surface and we use six methods of it.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelgate/modelgate/internal/session"
)

// Client calls the Telegram Bot API on behalf of one bot token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient creates a Bot API client. baseURL defaults to the public
// API endpoint. The http.Client carries no timeout of its own: every
// call is bounded by its context (long polls legitimately outlive any
// fixed per-request ceiling).
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     logger,
	}
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// call invokes one Bot API method with a JSON payload and decodes the
// result into out (which may be nil).
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !envelope.OK {
		desc := envelope.Description
		if desc == "" {
			desc = fmt.Sprintf("http %d", resp.StatusCode)
		}
		return fmt.Errorf("telegram %s: %s", method, desc)
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// GetMe returns the bot's own account, validating the token.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for updates at or after offset and returns
// them together with the next offset to poll from.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}

	payload := struct {
		Offset         int64    `json:"offset,omitempty"`
		Timeout        int      `json:"timeout"`
		AllowedUpdates []string `json:"allowed_updates"`
	}{
		Offset:         offset,
		Timeout:        secs,
		AllowedUpdates: []string{"message", "callback_query"},
	}

	// The server holds the request for up to the poll timeout; give
	// the HTTP exchange some slack on top.
	callCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var updates []Update
	if err := c.call(callCtx, "getUpdates", payload, &updates); err != nil {
		return nil, offset, err
	}

	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

// SendMessage sends plain text to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := struct {
		ChatID int64  `json:"chat_id"`
		Text   string `json:"text"`
	}{ChatID: chatID, Text: text}
	return c.call(ctx, "sendMessage", payload, nil)
}

// SendKeyboard sends text with an inline keyboard attached.
func (c *Client) SendKeyboard(ctx context.Context, chatID int64, text string, rows [][]InlineKeyboardButton) error {
	payload := struct {
		ChatID      int64                `json:"chat_id"`
		Text        string               `json:"text"`
		ReplyMarkup InlineKeyboardMarkup `json:"reply_markup"`
	}{ChatID: chatID, Text: text, ReplyMarkup: InlineKeyboardMarkup{InlineKeyboard: rows}}
	return c.call(ctx, "sendMessage", payload, nil)
}

// AnswerCallback acknowledges an inline-keyboard press, optionally
// with a toast or alert.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string, showAlert bool) error {
	payload := struct {
		CallbackQueryID string `json:"callback_query_id"`
		Text            string `json:"text,omitempty"`
		ShowAlert       bool   `json:"show_alert,omitempty"`
	}{CallbackQueryID: callbackID, Text: text, ShowAlert: showAlert}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

// EditMessageText replaces the text of a previously sent message
// (dropping any attached keyboard).
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	payload := struct {
		ChatID    int64  `json:"chat_id"`
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
	}{ChatID: chatID, MessageID: messageID, Text: text}
	return c.call(ctx, "editMessageText", payload, nil)
}

// SendChatAction sends a chat action such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	payload := struct {
		ChatID int64  `json:"chat_id"`
		Action string `json:"action"`
	}{ChatID: chatID, Action: action}
	return c.call(ctx, "sendChatAction", payload, nil)
}

// SendText implements the orchestrator's Sender. The bot works in
// private chats, where the chat ID equals the user ID.
func (c *Client) SendText(ctx context.Context, user session.UserID, text string) error {
	return c.SendMessage(ctx, int64(user), text)
}

// SendTyping implements the orchestrator's Sender.
func (c *Client) SendTyping(ctx context.Context, user session.UserID) error {
	return c.SendChatAction(ctx, int64(user), "typing")
}
