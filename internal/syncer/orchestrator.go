// Package syncer keeps the session index in step with the sessions
// directory. The live path batches change notifications; Reconcile is the
// slow authoritative pass that also repairs a damaged index.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/batch"
	"github.com/starford/chatshelf/internal/changes"
	"github.com/starford/chatshelf/internal/index"
	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/storage"
)

const shutdownFlushTimeout = 10 * time.Second

// Config tunes the live path and the periodic reconcile.
type Config struct {
	Batch             batch.Config
	ReconcileInterval time.Duration // 0 disables periodic reconcile
}

// Result summarises one reconcile pass. Healed counts index entries added or
// removed to repair drift that the fingerprint diff alone did not report.
type Result struct {
	Processed int       `json:"processed"`
	Added     int       `json:"added"`
	Modified  int       `json:"modified"`
	Deleted   int       `json:"deleted"`
	Healed    int       `json:"healed"`
	Errors    []error   `json:"-"`
	Started   time.Time `json:"started"`
	Duration  string    `json:"duration"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	TotalIndexed     int       `json:"totalIndexed"`
	PendingBatchSize int       `json:"pendingBatchSize"`
	Flushing         bool      `json:"flushing"`
	State            string    `json:"state"`
	LastUpdated      time.Time `json:"lastUpdated"`
	LastReconcile    time.Time `json:"lastReconcile"`
	LastFlush        time.Time `json:"lastFlush"`
	Errors           int64     `json:"errors"`
}

// Orchestrator wires the change detector, batch scheduler and index store.
type Orchestrator struct {
	docs     storage.Provider
	store    *index.Store
	detector *changes.Detector
	sched    *batch.Scheduler
	cfg      Config
	logger   *slog.Logger

	reconcileMu sync.Mutex

	lastReconcile atomic.Int64 // unix nanos
	reconcileErrs atomic.Int64
}

// New creates an Orchestrator around an explicitly constructed store.
func New(docs storage.Provider, store *index.Store, detector *changes.Detector, cfg Config, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		docs:     docs,
		store:    store,
		detector: detector,
		cfg:      cfg,
		logger:   logger,
	}
	o.sched = batch.New(cfg.Batch, o.build, store, logger)
	return o
}

func (o *Orchestrator) build(id string) (models.IndexEntry, bool, error) {
	return index.BuildEntry(o.docs, id)
}

// Reconcile diffs the sessions directory against the fingerprint table and
// applies every resulting change to the index in one save. Unchanged
// sessions missing from the index are re-indexed and index entries without
// a session are removed, so a lost or corrupted index is rebuilt.
func (o *Orchestrator) Reconcile(ctx context.Context) (Result, error) {
	o.reconcileMu.Lock()
	defer o.reconcileMu.Unlock()

	res := Result{Started: time.Now().UTC()}
	diff, err := o.detector.Detect(ctx)
	if err != nil {
		return res, err
	}

	if err := o.applyDiff(ctx, diff, &res); err != nil {
		// The fingerprint table already records this pass; forget it so the
		// next reconcile re-derives every entry.
		if ferr := o.detector.Forget(); ferr != nil {
			o.logger.Error("syncer: forget fingerprints failed", slog.String("error", ferr.Error()))
		}
		if !errors.Is(err, context.Canceled) {
			o.reconcileErrs.Add(1)
		}
		return res, err
	}

	o.reconcileErrs.Add(int64(len(res.Errors)))
	for _, e := range res.Errors {
		o.logger.Warn("syncer: reconcile item failed", slog.String("error", e.Error()))
	}
	now := time.Now()
	o.lastReconcile.Store(now.UnixNano())
	res.Duration = now.Sub(res.Started).String()

	o.logger.Info("syncer: reconciled",
		slog.Int("processed", res.Processed),
		slog.Int("added", res.Added),
		slog.Int("modified", res.Modified),
		slog.Int("deleted", res.Deleted),
		slog.Int("healed", res.Healed),
		slog.Int("errors", len(res.Errors)))
	return res, nil
}

func (o *Orchestrator) applyDiff(ctx context.Context, diff changes.Diff, res *Result) error {
	res.Errors = append(res.Errors, diff.Errors...)
	res.Processed = len(diff.Added) + len(diff.Modified) + len(diff.Deleted) + len(diff.Unchanged)

	// Sessions that exist on disk, including unreadable ones we must not drop.
	onDisk := make(map[string]struct{}, res.Processed)
	for _, ids := range [][]string{diff.Added, diff.Modified, diff.Unchanged} {
		for _, id := range ids {
			onDisk[id] = struct{}{}
		}
	}
	for _, e := range diff.Errors {
		var te *apperr.TransientReadError
		if errors.As(e, &te) {
			onDisk[te.ID] = struct{}{}
		}
	}
	deleted := make(map[string]struct{}, len(diff.Deleted))
	for _, id := range diff.Deleted {
		deleted[id] = struct{}{}
	}

	// Re-read the index so on-disk damage since the last save is visible to
	// the heal checks below.
	if _, err := o.store.Load(ctx); err != nil {
		return err
	}

	var cs models.ChangeSet
	upsert := func(id string, data []byte, counter *int) {
		e, present, err := index.EntryFromBytes(o.docs, id, data)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, err)
		case !present:
			cs.Removals = append(cs.Removals, id)
			res.Deleted++
		default:
			cs.Upserts = append(cs.Upserts, e)
			*counter++
		}
	}
	for _, id := range diff.Added {
		if err := ctx.Err(); err != nil {
			return err
		}
		upsert(id, diff.Content[id], &res.Added)
	}
	for _, id := range diff.Modified {
		if err := ctx.Err(); err != nil {
			return err
		}
		upsert(id, diff.Content[id], &res.Modified)
	}
	for _, id := range diff.Deleted {
		cs.Removals = append(cs.Removals, id)
		res.Deleted++
	}

	for _, id := range diff.Unchanged {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := o.store.Get(id); ok {
			continue
		}
		e, present, err := index.BuildEntry(o.docs, id)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if present {
			cs.Upserts = append(cs.Upserts, e)
			res.Healed++
		}
	}

	for _, e := range o.store.All() {
		if _, ok := onDisk[e.ID]; ok {
			continue
		}
		if _, ok := deleted[e.ID]; ok {
			continue
		}
		// Created after the listing and already indexed by the live path.
		if _, err := o.docs.StatDocument(e.ID); err == nil {
			continue
		}
		cs.Removals = append(cs.Removals, e.ID)
		res.Healed++
	}

	return o.store.Apply(ctx, cs)
}

// NotifyChanged queues id for the next batch flush.
func (o *Orchestrator) NotifyChanged(ctx context.Context, id string) error {
	return o.sched.Notify(ctx, id)
}

// FlushNow applies pending notifications immediately.
func (o *Orchestrator) FlushNow(ctx context.Context) (batch.Result, error) {
	return o.sched.FlushNow(ctx)
}

// Stats reports index size, batch state and cumulative error count.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		TotalIndexed:     o.store.Count(),
		PendingBatchSize: o.sched.Pending(),
		Flushing:         o.sched.Flushing(),
		State:            o.sched.State().String(),
		LastUpdated:      o.store.LastUpdated(),
		LastFlush:        o.sched.LastFlush(),
		Errors:           o.reconcileErrs.Load() + o.sched.Errors(),
	}
	if n := o.lastReconcile.Load(); n != 0 {
		s.LastReconcile = time.Unix(0, n).UTC()
	}
	return s
}

// All returns every index entry, most recently updated first.
func (o *Orchestrator) All() []models.IndexEntry { return o.store.All() }

// ByTag returns index entries carrying tag.
func (o *Orchestrator) ByTag(tag string) []models.IndexEntry { return o.store.ByTag(tag) }

// ByDateRange returns index entries updated within [from, to].
func (o *Orchestrator) ByDateRange(from, to time.Time) []models.IndexEntry {
	return o.store.ByDateRange(from, to)
}

// Get returns the index entry for id.
func (o *Orchestrator) Get(id string) (models.IndexEntry, bool) { return o.store.Get(id) }

// Run drives the batch ticker and, when configured, periodic reconciles
// until ctx is cancelled. Pending notifications are flushed before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.sched.Run(gctx) })
	if o.cfg.ReconcileInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(o.cfg.ReconcileInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if _, err := o.Reconcile(gctx); err != nil && !errors.Is(err, context.Canceled) {
						o.logger.Error("syncer: periodic reconcile failed", slog.String("error", err.Error()))
					}
				}
			}
		})
	}
	err := g.Wait()

	fctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if _, ferr := o.sched.FlushNow(fctx); ferr != nil {
		o.logger.Error("syncer: final flush failed", slog.String("error", ferr.Error()))
	}
	return err
}

