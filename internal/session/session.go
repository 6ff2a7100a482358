// Package session owns all mutable per-user chat state and the single
// exclusive lock on the locally hosted inference engine. Exactly one
// model can be resident and serving at a time, so the lock is global:
// whoever selects a model owns the engine until their session ends.
//
// Every read or mutation of a session, the lock holder, or the
// resident-model set goes through Manager, which serializes them under
// one mutex. The mutex is held only for in-memory transitions — callers
// make their engine and transport calls outside it.
package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// UserID identifies a chat user. For the Telegram transport this is the
// numeric user ID, which doubles as the private chat ID.
type UserID int64

// Default generation parameters for a fresh session.
const (
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
	DefaultMaxTokens   = 512
)

// Entry is one history item: a (role, content) pair in insertion order.
type Entry struct {
	Role    string
	Content string
}

// Session is the mutable state for one user. Manager hands out copies;
// the authoritative instance never leaves the package.
type Session struct {
	UserID       UserID
	ModelID      string // empty means no active model
	Temperature  float64
	TopP         float64
	MaxTokens    int
	SystemPrompt string
	History      []Entry
	Pending      Pending
}

// BusyError reports that the engine lock is held by another user.
type BusyError struct {
	Holder UserID
}

func (e *BusyError) Error() string {
	return "engine is busy with another user"
}

// Manager is the single authority for sessions, the engine lock, and
// the resident-model set. All methods are safe for concurrent use.
type Manager struct {
	logger *slog.Logger
	window int

	mu       sync.Mutex
	sessions map[UserID]*Session
	holder   UserID
	held     bool
	resident map[string]struct{}
}

// NewManager creates a session manager with the given history window
// (maximum retained history entries per user).
func NewManager(window int, logger *slog.Logger) *Manager {
	if window <= 0 {
		window = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		window:   window,
		sessions: make(map[UserID]*Session),
		resident: make(map[string]struct{}),
	}
}

// Window returns the history window H.
func (m *Manager) Window() int {
	return m.window
}

// sessionLocked returns the authoritative session for user, creating a
// default one on first access. Caller must hold m.mu.
func (m *Manager) sessionLocked(user UserID) *Session {
	sess, ok := m.sessions[user]
	if !ok {
		sess = &Session{
			UserID:      user,
			Temperature: DefaultTemperature,
			TopP:        DefaultTopP,
			MaxTokens:   DefaultMaxTokens,
		}
		m.sessions[user] = sess
	}
	return sess
}

// Get returns a snapshot of the user's session, creating a default one
// on first access. The returned copy (including its history slice) is
// safe to use without holding any lock.
func (m *Manager) Get(user UserID) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sessionLocked(user)
	snap := *sess
	snap.History = make([]Entry, len(sess.History))
	copy(snap.History, sess.History)
	return snap
}

// SelectModel grants the engine lock to user and records model as
// resident. The model name must be non-empty. Fails with *BusyError
// when the lock is held by someone else; in that case no state changes.
// Re-selecting while already holding the lock is allowed and switches
// the session's model.
//
// The lock grant and the session mutation are one atomic step so that
// no concurrent caller can observe "free" between check and grant.
func (m *Manager) SelectModel(user UserID, model string) error {
	if model == "" {
		return errors.New("no model specified")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held && m.holder != user {
		return &BusyError{Holder: m.holder}
	}

	m.holder = user
	m.held = true
	m.resident[model] = struct{}{}
	m.sessionLocked(user).ModelID = model

	m.logger.Info("model selected",
		"user_id", int64(user),
		"model", model,
	)
	return nil
}

// EndSession releases the engine lock if user holds it, removes the
// user's model from the resident set, and resets the session's mutable
// fields to defaults. It returns the model that was active before the
// reset (for the caller to unload) and whether there was one.
//
// Calling EndSession for a user with no session or no model is a no-op
// that reports no model; the operation is idempotent.
func (m *Manager) EndSession(user UserID) (model string, hadModel bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[user]
	if !ok {
		return "", false
	}

	model = sess.ModelID
	if m.held && m.holder == user {
		m.held = false
		if model != "" {
			delete(m.resident, model)
		}
	}

	sess.ModelID = ""
	sess.Pending = PendingNone
	sess.Temperature = DefaultTemperature
	sess.TopP = DefaultTopP
	sess.MaxTokens = DefaultMaxTokens
	sess.SystemPrompt = ""
	sess.History = nil

	if model != "" {
		m.logger.Info("session ended",
			"user_id", int64(user),
			"model", model,
		)
	}
	return model, model != ""
}

// BusyHolder reports the current lock holder, if any.
func (m *Manager) BusyHolder() (UserID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder, m.held
}

// SetPending marks (or clears) the pending-input state for user.
func (m *Manager) SetPending(user UserID, p Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionLocked(user).Pending = p
}

// AppendTurn appends the (user, assistant) pair for one completed chat
// turn and enforces the FIFO history cap in the same critical section,
// so no observer sees the history above the window.
func (m *Manager) AppendTurn(user UserID, userText, answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sessionLocked(user)
	sess.History = append(sess.History,
		Entry{Role: "user", Content: userText},
		Entry{Role: "assistant", Content: answer},
	)
	if excess := len(sess.History) - m.window; excess > 0 {
		sess.History = append([]Entry(nil), sess.History[excess:]...)
	}
}

// ClearHistory drops the user's conversation history without touching
// the model, lock, or settings.
func (m *Manager) ClearHistory(user UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[user]; ok {
		sess.History = nil
	}
}

// ResidentModels returns the models currently marked resident in the
// engine, sorted for stable iteration.
func (m *Manager) ResidentModels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	models := make([]string, 0, len(m.resident))
	for model := range m.resident {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// UnloadAll clears the resident-model set and forcibly releases the
// lock. Used only by the shutdown sweep; individual session parameter
// fields are left alone.
func (m *Manager) UnloadAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resident = make(map[string]struct{})
	m.held = false
}
