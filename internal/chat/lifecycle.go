package chat

import (
	"context"
	"sync"

	"github.com/modelgate/modelgate/internal/session"
	"github.com/modelgate/modelgate/internal/texts"
)

// expire is the watchdog's callback: the user went idle past the
// window. Unload their model, reset the session, and tell them —
// notification failure must never prevent the reset, so it comes last
// and is swallowed.
func (o *Orchestrator) expire(user session.UserID) {
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()

	sess := o.sessions.Get(user)
	if sess.ModelID != "" {
		if err := o.engine.Unload(ctx, sess.ModelID); err != nil {
			o.logger.Error("unload on inactivity failed",
				"user_id", int64(user),
				"model", sess.ModelID,
				"error", err,
			)
		}
	}

	o.sessions.EndSession(user)

	if err := o.sender.SendText(ctx, user, texts.InactivityEnded); err != nil {
		o.logger.Warn("inactivity notice failed",
			"user_id", int64(user),
			"error", err,
		)
	}
}

// NotifyStartup tells previously registered users the service is back.
// One goroutine per recipient; each failure is logged in isolation and
// never affects the others.
func (o *Orchestrator) NotifyStartup(ctx context.Context, users []int64) {
	o.broadcast(ctx, users, texts.Started, "startup notice")
}

// Shutdown drains the whole process: notify every registered user,
// unload every resident model, clear the lock and residency state, and
// stop the watchdog. Every step is best-effort per user and per model;
// the sweep never aborts early.
func (o *Orchestrator) Shutdown(ctx context.Context, users []int64) {
	o.watchdog.Stop()

	o.broadcast(ctx, users, texts.ShuttingDown, "shutdown notice")

	for _, model := range o.sessions.ResidentModels() {
		o.logger.Info("unloading resident model", "model", model)
		if err := o.engine.Unload(ctx, model); err != nil {
			o.logger.Error("unload on shutdown failed",
				"model", model,
				"error", err,
			)
		}
	}

	o.sessions.UnloadAll()
	o.logger.Info("shutdown sweep complete", "notified_users", len(users))
}

// broadcast sends text to every user concurrently, swallowing and
// logging per-recipient failures.
func (o *Orchestrator) broadcast(ctx context.Context, users []int64, text, what string) {
	var wg sync.WaitGroup
	for _, id := range users {
		wg.Add(1)
		go func(user session.UserID) {
			defer wg.Done()
			if err := o.sender.SendText(ctx, user, text); err != nil {
				o.logger.Warn(what+" failed",
					"user_id", int64(user),
					"error", err,
				)
			}
		}(session.UserID(id))
	}
	wg.Wait()
}
