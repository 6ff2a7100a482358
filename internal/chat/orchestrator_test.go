package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/ollama"
	"github.com/modelgate/modelgate/internal/session"
	"github.com/modelgate/modelgate/internal/texts"
	"github.com/modelgate/modelgate/internal/usage"
)

// fakeEngine is a scriptable Engine.
type fakeEngine struct {
	mu sync.Mutex

	models   []string
	chatText string
	chatErr  error
	warmErr  error
	pingErr  error

	chatCalls   []chatCall
	warmedUp    []string
	unloaded    []string
	unloadErr   error
	unloadCh    chan string
}

type chatCall struct {
	model    string
	messages []ollama.Message
	opts     ollama.Options
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		models:   []string{"llama3", "mistral"},
		chatText: "pong",
		unloadCh: make(chan string, 8),
	}
}

func (e *fakeEngine) Ping(ctx context.Context) (string, error) {
	if e.pingErr != nil {
		return "", e.pingErr
	}
	return "0.5.0", nil
}

func (e *fakeEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.models, nil
}

func (e *fakeEngine) Chat(ctx context.Context, model string, messages []ollama.Message, opts ollama.Options) (*ollama.ChatResult, error) {
	e.mu.Lock()
	e.chatCalls = append(e.chatCalls, chatCall{model: model, messages: messages, opts: opts})
	e.mu.Unlock()

	if e.chatErr != nil {
		return nil, e.chatErr
	}
	return &ollama.ChatResult{Text: e.chatText, PromptEvalCount: 10, EvalCount: 20}, nil
}

func (e *fakeEngine) WarmUp(ctx context.Context, model string) error {
	e.mu.Lock()
	e.warmedUp = append(e.warmedUp, model)
	e.mu.Unlock()
	return e.warmErr
}

func (e *fakeEngine) Unload(ctx context.Context, model string) error {
	e.mu.Lock()
	e.unloaded = append(e.unloaded, model)
	e.mu.Unlock()
	e.unloadCh <- model
	return e.unloadErr
}

func (e *fakeEngine) lastChat(t *testing.T) chatCall {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.chatCalls) == 0 {
		t.Fatal("no chat calls recorded")
	}
	return e.chatCalls[len(e.chatCalls)-1]
}

func (e *fakeEngine) chatCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.chatCalls)
}

func (e *fakeEngine) unloadedModels() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.unloaded...)
}

// fakeSender records outbound messages.
type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMsg
	failFor map[session.UserID]error
	ch      chan sentMsg
}

type sentMsg struct {
	user session.UserID
	text string
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		failFor: make(map[session.UserID]error),
		ch:      make(chan sentMsg, 64),
	}
}

func (s *fakeSender) SendText(ctx context.Context, user session.UserID, text string) error {
	if err := s.failFor[user]; err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentMsg{user: user, text: text})
	s.mu.Unlock()
	s.ch <- sentMsg{user: user, text: text}
	return nil
}

func (s *fakeSender) SendTyping(ctx context.Context, user session.UserID) error {
	return nil
}

func (s *fakeSender) texts(user session.UserID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sent {
		if m.user == user {
			out = append(out, m.text)
		}
	}
	return out
}

func (s *fakeSender) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-s.ch:
			if strings.Contains(m.text, want) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message containing %q", want)
		}
	}
}

// fakeRecorder captures usage ledger writes.
type fakeRecorder struct {
	mu      sync.Mutex
	records []usage.Record
}

func (r *fakeRecorder) Record(ctx context.Context, rec usage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type testRig struct {
	core     *Orchestrator
	sessions *session.Manager
	engine   *fakeEngine
	sender   *fakeSender
	recorder *fakeRecorder
}

func newTestRig(t *testing.T, opts ...func(*Config)) *testRig {
	t.Helper()

	rig := &testRig{
		sessions: session.NewManager(20, slog.Default()),
		engine:   newFakeEngine(),
		sender:   newFakeSender(),
		recorder: &fakeRecorder{},
	}
	cfg := Config{
		Sessions:          rig.sessions,
		Engine:            rig.engine,
		Sender:            rig.sender,
		Usage:             rig.recorder,
		InactivityTimeout: time.Hour,
		Logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	rig.core = New(cfg)
	return rig
}

func TestHandleTextNeedsModel(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.core.HandleText(context.Background(), 1, "hello"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}

	got := rig.sender.texts(1)
	if len(got) != 1 || got[0] != texts.NeedSelectModel {
		t.Errorf("sent = %v, want the select-a-model notice", got)
	}
	if rig.engine.chatCount() != 0 {
		t.Error("engine called without an active model")
	}
}

func TestHandleTextBusyGate(t *testing.T) {
	rig := newTestRig(t)

	if err := rig.core.Select(1, "llama3"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if err := rig.core.HandleText(context.Background(), 2, "let me in"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}

	got := rig.sender.texts(2)
	if len(got) != 1 || !strings.Contains(got[0], "busy with user 1") {
		t.Errorf("sent = %v, want a busy notice naming user 1", got)
	}
	if rig.engine.chatCount() != 0 {
		t.Error("engine called for a gated user")
	}
}

func TestHandleTextSuccessfulTurn(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.core.Select(1, "llama3"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	rig.core.StartSetting(1, session.PendingTemperature)
	if err := rig.core.HandleText(ctx, 1, "1.5"); err != nil {
		t.Fatalf("HandleText (settings): %v", err)
	}

	if err := rig.core.HandleText(ctx, 1, "hello"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}

	call := rig.engine.lastChat(t)
	if call.model != "llama3" {
		t.Errorf("model = %q, want llama3", call.model)
	}
	if call.opts.Temperature != 1.5 {
		t.Errorf("temperature = %v, want the adjusted 1.5", call.opts.Temperature)
	}
	last := call.messages[len(call.messages)-1]
	if last.Role != "user" || last.Content != "hello" {
		t.Errorf("last message = %+v, want the new user text", last)
	}

	sess := rig.sessions.Get(1)
	if len(sess.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(sess.History))
	}
	if sess.History[1].Role != "assistant" || sess.History[1].Content != "pong" {
		t.Errorf("assistant entry = %+v", sess.History[1])
	}

	replies := rig.sender.texts(1)
	if replies[len(replies)-1] != "pong" {
		t.Errorf("last reply = %q, want pong", replies[len(replies)-1])
	}
	if rig.recorder.count() != 1 {
		t.Errorf("ledger records = %d, want 1", rig.recorder.count())
	}
}

func TestHandleTextEngineFailureMutatesNothing(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.core.Select(1, "llama3")
	rig.core.HandleText(ctx, 1, "first")

	rig.engine.chatErr = errors.New("model imploded")
	if err := rig.core.HandleText(ctx, 1, "second"); err != nil {
		t.Fatalf("HandleText: %v", err)
	}

	sess := rig.sessions.Get(1)
	if len(sess.History) != 2 {
		t.Errorf("history length = %d after failed turn, want 2", len(sess.History))
	}

	replies := rig.sender.texts(1)
	lastReply := replies[len(replies)-1]
	if !strings.Contains(lastReply, "model imploded") {
		t.Errorf("last reply = %q, want the engine error surfaced", lastReply)
	}
	if rig.recorder.count() != 1 {
		t.Errorf("ledger records = %d after failed turn, want 1", rig.recorder.count())
	}
}

func TestHandleTextSystemPromptAndWindow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.core.Select(1, "llama3")
	rig.core.StartSetting(1, session.PendingSystemPrompt)
	rig.core.HandleText(ctx, 1, "be terse")

	// Fill well past the window so trimming is observable.
	for i := 0; i < 15; i++ {
		rig.core.HandleText(ctx, 1, "ping")
	}
	rig.core.HandleText(ctx, 1, "final")

	call := rig.engine.lastChat(t)
	if call.messages[0].Role != "system" || call.messages[0].Content != "be terse" {
		t.Errorf("first message = %+v, want the system prompt", call.messages[0])
	}
	// System + at most window-1 history + the new user message.
	if max := 1 + (20 - 1) + 1; len(call.messages) > max {
		t.Errorf("outbound messages = %d, want at most %d", len(call.messages), max)
	}
	last := call.messages[len(call.messages)-1]
	if last.Content != "final" {
		t.Errorf("last message = %q, want final", last.Content)
	}
}

func TestHandleTextChunksLongReply(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) { cfg.ChunkSize = 5 })
	ctx := context.Background()

	rig.engine.chatText = "abcdefghijkl"
	rig.core.Select(1, "llama3")
	rig.core.HandleText(ctx, 1, "go")

	replies := rig.sender.texts(1)
	if len(replies) < 3 {
		t.Fatalf("got %d messages, want the reply split into 3 chunks", len(replies))
	}
	chunks := replies[len(replies)-3:]
	if chunks[0] != "abcde" || chunks[1] != "fghij" || chunks[2] != "kl" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestEndUnloadsAndResets(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.core.Select(1, "llama3")
	rig.core.HandleText(ctx, 1, "hi")

	res := rig.core.End(ctx, 1)
	if !res.HadModel || res.UnloadErr != nil {
		t.Errorf("End = %+v, want HadModel with no error", res)
	}
	if got := rig.engine.unloadedModels(); len(got) != 1 || got[0] != "llama3" {
		t.Errorf("unloaded = %v, want [llama3]", got)
	}

	sess := rig.sessions.Get(1)
	if sess.ModelID != "" || len(sess.History) != 0 {
		t.Errorf("session not reset: %+v", sess)
	}
	if _, held := rig.sessions.BusyHolder(); held {
		t.Error("lock still held after End")
	}
}

func TestEndResetsDespiteUnloadFailure(t *testing.T) {
	rig := newTestRig(t)

	rig.core.Select(1, "llama3")
	rig.engine.unloadErr = errors.New("engine gone")

	res := rig.core.End(context.Background(), 1)
	if res.UnloadErr == nil {
		t.Error("unload failure not reported")
	}
	if _, held := rig.sessions.BusyHolder(); held {
		t.Error("lock still held after End with failed unload")
	}
	if got := rig.sessions.Get(1).ModelID; got != "" {
		t.Errorf("ModelID = %q after End, want empty", got)
	}
}

func TestInactivityExpiryEndsSession(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) { cfg.InactivityTimeout = 30 * time.Millisecond })

	rig.core.Select(1, "llama3")

	rig.sender.waitFor(t, texts.InactivityEnded)

	if got := rig.engine.unloadedModels(); len(got) != 1 || got[0] != "llama3" {
		t.Errorf("unloaded = %v, want [llama3]", got)
	}
	if _, held := rig.sessions.BusyHolder(); held {
		t.Error("lock still held after inactivity expiry")
	}
	if got := rig.sessions.Get(1).ModelID; got != "" {
		t.Errorf("ModelID = %q after expiry, want empty", got)
	}
}

func TestShutdownSweep(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.core.Select(1, "llama3")
	// User 3's sends fail; the sweep must still reach everyone else.
	rig.sender.failFor[3] = errors.New("blocked the bot")

	rig.core.Shutdown(ctx, []int64{1, 2, 3})

	for _, user := range []session.UserID{1, 2} {
		got := rig.sender.texts(user)
		if len(got) != 1 || got[0] != texts.ShuttingDown {
			t.Errorf("user %d received %v, want the shutdown notice", user, got)
		}
	}
	if got := rig.engine.unloadedModels(); len(got) != 1 || got[0] != "llama3" {
		t.Errorf("unloaded = %v, want [llama3]", got)
	}
	if models := rig.sessions.ResidentModels(); len(models) != 0 {
		t.Errorf("ResidentModels = %v after shutdown", models)
	}
	if _, held := rig.sessions.BusyHolder(); held {
		t.Error("lock still held after shutdown sweep")
	}
}

func TestNotifyStartup(t *testing.T) {
	rig := newTestRig(t)

	rig.sender.failFor[2] = errors.New("unreachable")
	rig.core.NotifyStartup(context.Background(), []int64{1, 2, 3})

	for _, user := range []session.UserID{1, 3} {
		got := rig.sender.texts(user)
		if len(got) != 1 || got[0] != texts.Started {
			t.Errorf("user %d received %v, want the startup notice", user, got)
		}
	}
}

func TestStatusReportsHolder(t *testing.T) {
	rig := newTestRig(t)

	rig.core.Select(1, "llama3")

	_, holder, held := rig.core.Status(2)
	if !held || holder != 1 {
		t.Errorf("Status holder = (%d, %v), want (1, true)", holder, held)
	}

	sess := rig.core.Session(1)
	if sess.ModelID != "llama3" {
		t.Errorf("Session(1).ModelID = %q, want llama3", sess.ModelID)
	}
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{"empty", "", 5, nil},
		{"fits", "short", 10, []string{"short"}},
		{"exact boundary", "abcdef", 3, []string{"abc", "def"}},
		{"multibyte runes", "héllo wörld", 4, []string{"héll", "o wö", "rld"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkText(tt.text, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("chunkText(%q, %d) = %v, want %v", tt.text, tt.size, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
