// Package batch accumulates session change notifications and applies them
// to the index in bounded, deduplicated batches.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/chatshelf/internal/models"
)

// State is the scheduler's lifecycle position.
type State int32

const (
	Idle State = iota
	Accumulating
	Flushing
)

func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	default:
		return "idle"
	}
}

// Applier persists one change set. *index.Store satisfies it.
type Applier interface {
	Apply(ctx context.Context, cs models.ChangeSet) error
}

// BuildFunc projects a session into an index entry. present is false when
// the session no longer exists and should be removed from the index.
type BuildFunc func(id string) (e models.IndexEntry, present bool, err error)

// Config bounds a batch by size and by time.
type Config struct {
	MaxBatchSize int
	Interval     time.Duration
}

// Result describes one flush.
type Result struct {
	Skipped  bool // another flush was in progress
	Flushed  int
	Upserted int
	Removed  int
	Errors   []error
}

func (r *Result) add(o Result) {
	r.Flushed += o.Flushed
	r.Upserted += o.Upserted
	r.Removed += o.Removed
	r.Errors = append(r.Errors, o.Errors...)
}

// Scheduler collects ids in a pending set and flushes them on a timer tick,
// when the set reaches MaxBatchSize, or on demand. Each batch holds at most
// MaxBatchSize ids and is applied as a single change set.
type Scheduler struct {
	cfg    Config
	build  BuildFunc
	sink   Applier
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}

	flushMu  sync.Mutex
	flushing atomic.Bool

	errCount  atomic.Int64
	lastFlush atomic.Int64 // unix nanos
}

// New creates a Scheduler. MaxBatchSize below 1 is treated as 1.
func New(cfg Config, build BuildFunc, sink Applier, logger *slog.Logger) *Scheduler {
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 1
	}
	return &Scheduler{
		cfg:     cfg,
		build:   build,
		sink:    sink,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Notify records that id changed. Reaching MaxBatchSize triggers a flush in
// the caller's goroutine unless one is already running.
func (s *Scheduler) Notify(ctx context.Context, id string) error {
	s.mu.Lock()
	s.pending[id] = struct{}{}
	n := len(s.pending)
	s.mu.Unlock()

	if n < s.cfg.MaxBatchSize {
		return nil
	}
	_, err := s.Flush(ctx)
	return err
}

// Flush applies the pending ids in batches of at most MaxBatchSize unless a
// flush is already running, in which case it returns a Skipped result. It
// covers every id pending when it started, then keeps going while a full
// batch is waiting.
func (s *Scheduler) Flush(ctx context.Context) (Result, error) {
	if !s.flushMu.TryLock() {
		return Result{Skipped: true}, nil
	}
	res, err := s.drainLocked(ctx, s.Pending())
	s.flushMu.Unlock()
	if err != nil {
		return res, err
	}
	// Size triggers that hit the lock while it was held left their ids here.
	if s.Pending() >= s.cfg.MaxBatchSize {
		more, err := s.Flush(ctx)
		res.add(more)
		return res, err
	}
	return res, nil
}

// FlushNow waits for any running flush and then flushes everything pending.
func (s *Scheduler) FlushNow(ctx context.Context) (Result, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.drainLocked(ctx, math.MaxInt)
}

// drainLocked applies batches until owed ids have been flushed and fewer
// than MaxBatchSize remain, or the pending set is empty.
func (s *Scheduler) drainLocked(ctx context.Context, owed int) (Result, error) {
	var total Result
	for {
		res, err := s.flushBatch(ctx)
		total.add(res)
		owed -= res.Flushed
		if err != nil || res.Flushed == 0 {
			return total, err
		}
		n := s.Pending()
		if n == 0 || (owed <= 0 && n < s.cfg.MaxBatchSize) {
			return total, nil
		}
	}
}

// flushBatch takes up to MaxBatchSize ids, in id order, and applies them as
// one change set.
func (s *Scheduler) flushBatch(ctx context.Context) (Result, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > s.cfg.MaxBatchSize {
		ids = ids[:s.cfg.MaxBatchSize]
	}
	for _, id := range ids {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return Result{}, nil
	}

	s.flushing.Store(true)
	defer s.flushing.Store(false)

	res := Result{Flushed: len(ids)}
	var cs models.ChangeSet
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			s.requeue(ids)
			return res, err
		}
		e, present, err := s.build(id)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, err)
			s.logger.Warn("batch: build entry failed", slog.String("session_id", id), slog.String("error", err.Error()))
		case !present:
			cs.Removals = append(cs.Removals, id)
		default:
			cs.Upserts = append(cs.Upserts, e)
		}
	}

	if err := s.sink.Apply(ctx, cs); err != nil {
		s.requeue(ids)
		s.errCount.Add(1)
		s.logger.Error("batch: apply failed, ids re-queued",
			slog.Int("ids", len(ids)), slog.String("error", err.Error()))
		return res, err
	}

	res.Upserted = len(cs.Upserts)
	res.Removed = len(cs.Removals)
	s.errCount.Add(int64(len(res.Errors)))
	s.lastFlush.Store(time.Now().UnixNano())
	s.logger.Debug("batch: flushed",
		slog.Int("ids", res.Flushed),
		slog.Int("upserted", res.Upserted),
		slog.Int("removed", res.Removed),
		slog.Int("errors", len(res.Errors)))
	return res, nil
}

// requeue puts ids back into the pending set after a failed flush.
func (s *Scheduler) requeue(ids []string) {
	s.mu.Lock()
	for _, id := range ids {
		s.pending[id] = struct{}{}
	}
	s.mu.Unlock()
}

// Run flushes on every Interval tick until ctx is cancelled. A tick that
// lands during a running flush does nothing.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("batch: tick flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Pending returns the number of ids waiting for the next flush.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flushing reports whether a flush is running.
func (s *Scheduler) Flushing() bool { return s.flushing.Load() }

// State derives the lifecycle state from the flushing flag and pending set.
func (s *Scheduler) State() State {
	if s.Flushing() {
		return Flushing
	}
	if s.Pending() > 0 {
		return Accumulating
	}
	return Idle
}

// Errors returns the number of per-session and apply errors seen so far.
func (s *Scheduler) Errors() int64 { return s.errCount.Load() }

// LastFlush returns when the last successful flush finished.
func (s *Scheduler) LastFlush() time.Time {
	n := s.lastFlush.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
