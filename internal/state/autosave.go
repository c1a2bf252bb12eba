// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leyline-rpg/leyline/pkg/errutil"
)

// AutoSaver periodically saves the store under a timestamped name while any
// tracker is dirty. Ticks with nothing dirty are skipped.
type AutoSaver struct {
	store    *Store
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewAutoSaver creates an auto-saver for the store. An interval of zero or
// less disables it; Start becomes a no-op.
func NewAutoSaver(store *Store, interval time.Duration, logger *slog.Logger) *AutoSaver {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoSaver{
		store:    store,
		logger:   logger.With("module", "autosave"),
		interval: interval,
	}
}

// Start launches the auto-save loop. Calling Start on a running auto-saver
// is a no-op.
func (a *AutoSaver) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running || a.interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	go a.loop(ctx, a.done)
	a.logger.Info("auto-save started", "interval", a.interval)
}

// Stop halts the loop and performs one final best-effort save if anything is
// dirty. It blocks until the loop goroutine has exited.
func (a *AutoSaver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	cancel, done := a.cancel, a.done
	a.running = false
	a.mu.Unlock()

	cancel()
	<-done

	a.saveIfDirty(context.Background())
	a.logger.Info("auto-save stopped")
}

func (a *AutoSaver) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.saveIfDirty(ctx)
		}
	}
}

// saveIfDirty writes an autosave when unsaved changes exist. Errors are
// logged, never propagated; a failed autosave must not take the core down.
func (a *AutoSaver) saveIfDirty(ctx context.Context) {
	if a.store.DirtyCount() == 0 {
		return
	}

	name := "autosave_" + a.store.now().UTC().Format("20060102-150405")
	if _, err := a.store.Save(ctx, name, nil); err != nil {
		errutil.LogError(a.logger, "auto-save failed", err)
		return
	}
	a.logger.Debug("auto-save completed", "name", name)
}
