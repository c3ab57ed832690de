// Package index maintains the persisted session metadata index: a single
// JSON file holding one entry per session document.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/storage"
)

// ChangeHook is called after a change set has been saved.
type ChangeHook func(ctx context.Context, cs models.ChangeSet)

// Store owns the index file. Every mutation is load-mutate-save under one
// mutex; queries read the last loaded or saved snapshot.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex // serializes file I/O

	snapMu sync.RWMutex
	snap   *models.IndexFile

	hooksMu sync.RWMutex
	hooks   []ChangeHook
}

// NewStore creates a Store backed by the file at path. Nothing is read
// until the first Load or query.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// OnChange registers a hook run after every successful Apply.
func (s *Store) OnChange(h ChangeHook) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, h)
	s.hooksMu.Unlock()
}

// Load reads the index file. A missing file yields an empty index. A file
// that fails validation is logged as corrupt and replaced by an empty index
// in memory; invalid entries are dropped individually.
func (s *Store) Load(ctx context.Context) (*models.IndexFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) (*models.IndexFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		f := models.NewIndexFile()
		s.setSnapshot(f)
		return f, nil
	}
	if err != nil {
		return nil, &apperr.StorageError{Op: "read", Path: s.path, Err: err}
	}

	f, dropped, err := decodeIndex(s.path, data)
	if err != nil {
		s.logger.Warn("index: corrupt file, starting empty",
			slog.String("path", s.path), slog.String("error", err.Error()))
		f = models.NewIndexFile()
	}
	for _, d := range dropped {
		s.logger.Warn("index: dropped invalid entry",
			slog.String("path", s.path), slog.String("error", d.Error()))
	}
	s.setSnapshot(f)
	return f, nil
}

// Save overwrites the index file with f, stamping version and lastUpdated.
func (s *Store) Save(ctx context.Context, f *models.IndexFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, f)
}

func (s *Store) save(ctx context.Context, f *models.IndexFile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Version = models.IndexVersion
	f.LastUpdated = s.now()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return &apperr.StorageError{Op: "encode", Path: s.path, Err: err}
	}
	if err := storage.WriteFileAtomic(s.path, data); err != nil {
		return &apperr.StorageError{Op: "write", Path: s.path, Err: err}
	}
	s.setSnapshot(f)
	return nil
}

// Apply loads the index, applies every upsert and removal in cs and saves
// once. An empty change set does not touch the file.
func (s *Store) Apply(ctx context.Context, cs models.ChangeSet) error {
	if cs.IsEmpty() {
		return nil
	}

	s.mu.Lock()
	f, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	for _, e := range cs.Upserts {
		f.Entries[e.ID] = e
	}
	for _, id := range cs.Removals {
		delete(f.Entries, id)
	}
	err = s.save(ctx, f)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Debug("index: applied",
		slog.Int("upserts", len(cs.Upserts)),
		slog.Int("removals", len(cs.Removals)),
		slog.Int("total", len(f.Entries)))

	s.hooksMu.RLock()
	hooks := append([]ChangeHook(nil), s.hooks...)
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, cs)
	}
	return nil
}

// Upsert inserts or replaces a single entry.
func (s *Store) Upsert(ctx context.Context, e models.IndexEntry) error {
	return s.Apply(ctx, models.ChangeSet{Upserts: []models.IndexEntry{e}})
}

// Remove deletes a single entry. Removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.Apply(ctx, models.ChangeSet{Removals: []string{id}})
}

func (s *Store) setSnapshot(f *models.IndexFile) {
	c := f.Clone()
	s.snapMu.Lock()
	s.snap = c
	s.snapMu.Unlock()
}

// snapshot returns the in-memory index, loading it on first use.
func (s *Store) snapshot() *models.IndexFile {
	s.snapMu.RLock()
	snap := s.snap
	s.snapMu.RUnlock()
	if snap != nil {
		return snap
	}
	if _, err := s.Load(context.Background()); err != nil {
		s.logger.Warn("index: load for query failed", slog.String("error", err.Error()))
		return models.NewIndexFile()
	}
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}
