package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/chatshelf/internal/batch"
	"github.com/starford/chatshelf/internal/changes"
	"github.com/starford/chatshelf/internal/checksum"
	"github.com/starford/chatshelf/internal/index"
	"github.com/starford/chatshelf/internal/search"
	"github.com/starford/chatshelf/internal/sessionservice"
	"github.com/starford/chatshelf/internal/storage"
	"github.com/starford/chatshelf/internal/syncer"
)

// engine bundles the index components shared by every command.
type engine struct {
	logger   *slog.Logger
	docs     *storage.FS
	store    *index.Store
	detector *changes.Detector
	orch     *syncer.Orchestrator
	db       *search.DB
	mirror   *search.Mirror
}

func newEngine(cfg *Config, logger *slog.Logger) (*engine, error) {
	if err := os.MkdirAll(cfg.Sessions.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	docs, err := storage.NewFS(cfg.Sessions.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	e := &engine{logger: logger, docs: docs}
	e.store = index.NewStore(cfg.Index.Path, logger)
	e.detector = changes.NewDetector(docs, cfg.Index.FingerprintsPath, checksum.SHA256{}, logger)
	e.orch = syncer.New(docs, e.store, e.detector, syncer.Config{
		Batch: batch.Config{
			MaxBatchSize: cfg.Batch.MaxSize,
			Interval:     cfg.Batch.Interval,
		},
		ReconcileInterval: cfg.Reconcile.Interval,
	}, logger)

	if cfg.Search.Enabled {
		e.db, err = search.Open(cfg.Search.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init search: %w", err)
		}
		e.mirror = search.NewMirror(e.db, docs, logger)
		e.store.OnChange(e.mirror.HandleChange)
	}
	return e, nil
}

// warmUp loads the index, reconciles it against the sessions directory and
// brings the search mirror up to date. Reconcile and backfill failures are
// logged; the engine keeps serving the last good index.
func (e *engine) warmUp(ctx context.Context) error {
	if _, err := e.store.Load(ctx); err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	if _, err := e.orch.Reconcile(ctx); err != nil {
		e.logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
	}
	if e.mirror != nil {
		if err := e.mirror.Backfill(ctx, e.store.All()); err != nil {
			e.logger.Warn("search backfill failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// searcher returns the search mirror, or nil so the session service falls
// back to title matching.
func (e *engine) searcher() sessionservice.Searcher {
	if e.mirror == nil {
		return nil
	}
	return e.mirror
}

func (e *engine) close() {
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Warn("close search db", slog.String("error", err.Error()))
		}
	}
}
