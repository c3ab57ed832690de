package syncer

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/chatshelf/internal/storage"
)

const renameDebounce = 200 * time.Millisecond

// Target receives watcher-driven work. *Orchestrator satisfies it.
type Target interface {
	NotifyChanged(ctx context.Context, id string) error
	Reconcile(ctx context.Context) (Result, error)
}

// Watch starts an fsnotify watcher on the sessions directory and feeds
// session file events to target until ctx is cancelled.
//
// Create, write and remove events queue the session for the next batch.
// A rename queues the old name (now absent) and schedules a debounced
// reconcile to pick up files moved in from outside the directory.
func Watch(ctx context.Context, target Target, docs storage.Provider, root string, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(root); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("root", root))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(renameDebounce)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(renameDebounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			if _, err := target.Reconcile(ctx); err != nil {
				logger.Warn("watcher: reconcile after rename failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			id, ok := docs.IDFromFileName(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := target.NotifyChanged(ctx, id); err != nil {
				logger.Warn("watcher: notify failed", slog.String("session_id", id), slog.String("error", err.Error()))
				continue
			}
			logger.Debug("watcher: queued", slog.String("session_id", id), slog.String("op", ev.Op.String()))
			if ev.Op&fsnotify.Rename != 0 {
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
