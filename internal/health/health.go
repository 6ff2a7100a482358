// Package health monitors the inference engine's reachability in the
// background. A short exponential backoff covers engine restarts at
// process startup; after that a steady poll logs up/down transitions.
// The watcher is advisory — chat turns surface their own errors — but
// it gives the operator one log line instead of a flood of failed
// turns when the engine goes away.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the engine is reachable. Return nil if
// healthy.
type ProbeFunc func(ctx context.Context) error

// Probe schedule: startup backoff doubles from initialDelay to
// maxDelay over at most startupRetries attempts, then pollInterval
// takes over. Each probe is bounded by probeTimeout.
const (
	initialDelay   = 2 * time.Second
	maxDelay       = 60 * time.Second
	startupRetries = 10
	pollInterval   = 60 * time.Second
	probeTimeout   = 10 * time.Second
)

// Watcher monitors a single service's health.
type Watcher struct {
	name   string
	probe  ProbeFunc
	logger *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	lastErr error
}

// Watch starts a background watcher for the named service. It runs
// until ctx is cancelled or Stop is called.
func Watch(ctx context.Context, name string, probe ProbeFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:   name,
		probe:  probe,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the service was reachable at the last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	// Startup phase: back off until the service answers or retries run
	// out, then fall through to steady polling either way.
	delay := initialDelay
	for attempt := 1; attempt <= startupRetries; attempt++ {
		err := w.probeOnce(ctx)
		if err == nil {
			w.ready.Store(true)
			w.logger.Info("service reachable",
				"service", w.name,
				"after_attempts", attempt,
			)
			break
		}
		if attempt == startupRetries {
			w.logger.Warn("service unreachable after startup retries",
				"service", w.name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		w.logger.Debug("startup probe failed, retrying",
			"service", w.name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probeOnce(ctx)
			wasReady := w.ready.Load()
			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				w.logger.Warn("service became unreachable",
					"service", w.name,
					"error", err,
				)
			case !wasReady && err == nil:
				w.ready.Store(true)
				w.logger.Info("service recovered", "service", w.name)
			}
		}
	}
}

func (w *Watcher) probeOnce(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := w.probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
