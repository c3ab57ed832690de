package search

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/starford/chatshelf/internal/checksum"
	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/parser"
	"github.com/starford/chatshelf/internal/storage"
)

// Mirror keeps the SQLite tables in step with the metadata index. It is fed
// by index change hooks and never writes to the index itself.
type Mirror struct {
	db     *DB
	docs   storage.Provider
	logger *slog.Logger
}

// NewMirror creates a Mirror reading message text from docs.
func NewMirror(db *DB, docs storage.Provider, logger *slog.Logger) *Mirror {
	return &Mirror{db: db, docs: docs, logger: logger}
}

// HandleChange mirrors one applied change set. Failures are logged; the next
// Backfill repairs them.
func (m *Mirror) HandleChange(ctx context.Context, cs models.ChangeSet) {
	for _, e := range cs.Upserts {
		if ctx.Err() != nil {
			return
		}
		if err := m.mirror(e, ""); err != nil {
			m.logger.Warn("search: mirror failed", slog.String("session_id", e.ID), slog.String("error", err.Error()))
		}
	}
	for _, id := range cs.Removals {
		if err := m.db.Delete(id); err != nil {
			m.logger.Warn("search: delete failed", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
}

// Backfill brings the mirror up to date with entries:
//   - sessions whose content checksum changed are re-read and upserted
//   - mirrored sessions missing from entries are deleted
func (m *Mirror) Backfill(ctx context.Context, entries []models.IndexEntry) error {
	checksums, err := m.db.AllChecksums()
	if err != nil {
		return err
	}

	live := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		live[e.ID] = struct{}{}
		if err := m.mirror(e, checksums[e.ID]); err != nil {
			m.logger.Warn("search: backfill failed", slog.String("session_id", e.ID), slog.String("error", err.Error()))
		}
	}

	for id := range checksums {
		if _, ok := live[id]; ok {
			continue
		}
		if err := m.db.Delete(id); err != nil {
			m.logger.Warn("search: delete stale failed", slog.String("session_id", id), slog.String("error", err.Error()))
		} else {
			m.logger.Debug("search: removed stale", slog.String("session_id", id))
		}
	}
	return nil
}

// Search delegates to the underlying database.
func (m *Mirror) Search(query string, limit int) ([]Result, error) {
	return m.db.Search(query, limit)
}

// mirror reads the session and upserts it unless its checksum equals known.
func (m *Mirror) mirror(e models.IndexEntry, known string) error {
	data, err := m.docs.ReadDocument(e.ID)
	if errors.Is(err, os.ErrNotExist) {
		return m.db.Delete(e.ID)
	}
	if err != nil {
		return err
	}
	sum := checksum.Sum(data)
	if sum == known {
		return nil
	}
	row := Row{
		ID:        e.ID,
		Title:     e.Title,
		Checksum:  sum,
		Tags:      e.Tags,
		UpdatedAt: e.UpdatedAt,
	}
	return m.db.Upsert(row, parser.MessageText(data))
}
