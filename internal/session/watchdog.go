package session

import (
	"log/slog"
	"sync"
	"time"
)

// ExpireFunc is invoked when a user's inactivity timer fires. It runs
// on the timer goroutine with no watchdog lock held, so it may call
// back into the Manager and make blocking engine or transport calls.
type ExpireFunc func(user UserID)

// Watchdog arms one inactivity timer per user and ends the session when
// it fires. Each arm carries a monotonically increasing generation; a
// firing timer presents its generation and is accepted only if it still
// matches the latest arm for that user. A timer that lost the race
// against a Touch, Cancel, or Stop is a no-op — at most one live timer
// per user, and a stale one never runs its side effects.
type Watchdog struct {
	logger  *slog.Logger
	timeout time.Duration
	expire  ExpireFunc

	mu      sync.Mutex
	gens    map[UserID]uint64
	timers  map[UserID]*time.Timer
	stopped bool
}

// NewWatchdog creates an inactivity watchdog. expire is called for each
// user whose timer fires without being superseded.
func NewWatchdog(timeout time.Duration, expire ExpireFunc, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		logger:  logger,
		timeout: timeout,
		expire:  expire,
		gens:    make(map[UserID]uint64),
		timers:  make(map[UserID]*time.Timer),
	}
}

// Touch arms a fresh timer for user, superseding any previously armed
// one. Called on every activity that should keep the session alive.
func (w *Watchdog) Touch(user UserID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	w.gens[user]++
	gen := w.gens[user]

	if t, ok := w.timers[user]; ok {
		t.Stop()
	}
	w.timers[user] = time.AfterFunc(w.timeout, func() {
		w.fire(user, gen)
	})

	w.logger.Debug("inactivity timer armed",
		"user_id", int64(user),
		"timeout", w.timeout,
		"generation", gen,
	)
}

// Cancel invalidates any armed timer for user without firing it.
func (w *Watchdog) Cancel(user UserID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.gens[user]++
	if t, ok := w.timers[user]; ok {
		t.Stop()
		delete(w.timers, user)
	}
}

// Stop invalidates all armed timers. Used during shutdown; Touch
// becomes a no-op afterwards.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	for user, t := range w.timers {
		t.Stop()
		delete(w.timers, user)
	}
}

// fire runs on the timer goroutine. The generation check is the whole
// cancellation protocol: if the presented generation is not the latest
// arm for this user, some activity superseded the timer after it was
// scheduled but before it ran, and firing would end a live session.
func (w *Watchdog) fire(user UserID, gen uint64) {
	w.mu.Lock()
	if w.stopped || w.gens[user] != gen {
		w.mu.Unlock()
		w.logger.Debug("stale inactivity timer ignored",
			"user_id", int64(user),
			"generation", gen,
		)
		return
	}
	delete(w.timers, user)
	w.mu.Unlock()

	w.logger.Info("inactivity timeout reached",
		"user_id", int64(user),
		"timeout", w.timeout,
	)
	w.expire(user)
}
