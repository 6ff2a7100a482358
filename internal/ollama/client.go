// Package ollama is a client for a locally hosted Ollama inference
// engine. It covers exactly the surface the gatekeeper needs: listing
// models, non-streaming chat completion, warming a model into memory,
// unloading it (with a CLI fallback), and a reachability probe.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// Message is a chat message on the Ollama wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the per-request generation parameters.
type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

// ChatResult is the useful subset of a completed chat response.
type ChatResult struct {
	Text string

	// Engine-reported statistics, recorded in the usage ledger.
	TotalDuration   time.Duration
	LoadDuration    time.Duration
	PromptEvalCount int
	EvalCount       int
}

// Timeouts bound each kind of external call. Zero fields fall back to
// the defaults below.
type Timeouts struct {
	Chat   time.Duration
	Warmup time.Duration
	Unload time.Duration
	List   time.Duration
	Ping   time.Duration
}

// Default call timeouts.
const (
	DefaultChatTimeout   = 120 * time.Second
	DefaultWarmupTimeout = 180 * time.Second
	DefaultUnloadTimeout = 60 * time.Second
	DefaultListTimeout   = 3 * time.Second
	DefaultPingTimeout   = 2 * time.Second
)

// Client talks to one Ollama instance over HTTP. The zero timeout for
// the embedded http.Client is intentional — every call carries its own
// context deadline.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeouts   Timeouts
	logger     *slog.Logger

	// stopCommand runs the CLI fallback for Unload. Overridable in
	// tests; defaults to running `ollama stop <model>`.
	stopCommand func(ctx context.Context, model string) error
}

// NewClient creates an Ollama client for baseURL (default
// http://127.0.0.1:11434).
func NewClient(baseURL string, timeouts Timeouts, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeouts.Chat <= 0 {
		timeouts.Chat = DefaultChatTimeout
	}
	if timeouts.Warmup <= 0 {
		timeouts.Warmup = DefaultWarmupTimeout
	}
	if timeouts.Unload <= 0 {
		timeouts.Unload = DefaultUnloadTimeout
	}
	if timeouts.List <= 0 {
		timeouts.List = DefaultListTimeout
	}
	if timeouts.Ping <= 0 {
		timeouts.Ping = DefaultPingTimeout
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeouts:   timeouts,
		logger:     logger,
	}
	c.stopCommand = c.runStopCLI
	return c
}

// Ping checks that the engine is reachable and returns its version
// string.
func (c *Client) Ping(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Ping)
	defer cancel()

	var result struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/api/version", &result); err != nil {
		return "", err
	}
	return result.Version, nil
}

// ListModels returns the names of the installed models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.List)
	defer cancel()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/tags", &result); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		if name := strings.TrimSpace(m.Name); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// chatRequest is the request body for /api/chat.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  Options   `json:"options"`
}

// chatResponse is the non-streaming response from /api/chat.
type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Response        string `json:"response,omitempty"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	LoadDuration    int64  `json:"load_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat completion request.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Chat)
	defer cancel()

	req := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  opts,
	}

	var resp chatResponse
	if err := c.postJSON(ctx, "/api/chat", req, &resp); err != nil {
		return nil, err
	}

	text := resp.Message.Content
	if text == "" {
		// Some engine builds report generate-style responses.
		text = resp.Response
	}

	return &ChatResult{
		Text:            text,
		TotalDuration:   time.Duration(resp.TotalDuration),
		LoadDuration:    time.Duration(resp.LoadDuration),
		PromptEvalCount: resp.PromptEvalCount,
		EvalCount:       resp.EvalCount,
	}, nil
}

// generateRequest is the request body for /api/generate, used for both
// warm-up and unload.
type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	Stream    bool   `json:"stream"`
	KeepAlive *int   `json:"keep_alive,omitempty"`
	Options   struct {
		NumPredict  int     `json:"num_predict"`
		Temperature float64 `json:"temperature"`
	} `json:"options"`
}

// WarmUp triggers a minimal one-token generation to force the model
// into the engine's serving memory.
func (c *Client) WarmUp(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Warmup)
	defer cancel()

	req := generateRequest{
		Model:  model,
		Prompt: "ok",
	}
	req.Options.NumPredict = 1

	if err := c.postJSON(ctx, "/api/generate", req, &json.RawMessage{}); err != nil {
		return fmt.Errorf("warm up %s: %w", model, err)
	}
	return nil
}

// Unload releases the model from the engine's memory. The primary
// mechanism is a zero-keep_alive generate request; when that fails the
// CLI fallback (`ollama stop`) is attempted once. Unloading a model
// that is not resident is not an error.
func (c *Client) Unload(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Unload)
	defer cancel()

	zero := 0
	req := generateRequest{
		Model:     model,
		KeepAlive: &zero,
	}

	apiErr := c.postJSON(ctx, "/api/generate", req, &json.RawMessage{})
	if apiErr == nil {
		return nil
	}

	c.logger.Warn("unload via API failed, trying CLI fallback",
		"model", model,
		"error", apiErr,
	)

	if cliErr := c.stopCommand(ctx, model); cliErr != nil {
		return fmt.Errorf("unload %s: %w (CLI fallback: %v)", model, apiErr, cliErr)
	}
	return nil
}

// runStopCLI executes `ollama stop <model>`.
func (c *Client) runStopCLI(ctx context.Context, model string) error {
	out, err := exec.CommandContext(ctx, "ollama", "stop", model).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("ollama stop: %s", msg)
		}
		return fmt.Errorf("ollama stop: %w", err)
	}
	return nil
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

// postJSON performs a POST with a JSON body and decodes the JSON
// response into out.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
