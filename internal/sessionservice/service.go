// Package sessionservice implements session CRUD on top of the document
// store and hands every write to the index engine.
package sessionservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/checksum"
	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/parser"
	"github.com/starford/chatshelf/internal/search"
	"github.com/starford/chatshelf/internal/storage"
)

// Indexer is the part of the sync engine the service needs.
type Indexer interface {
	NotifyChanged(ctx context.Context, id string) error
	All() []models.IndexEntry
	ByTag(tag string) []models.IndexEntry
	ByDateRange(from, to time.Time) []models.IndexEntry
	Get(id string) (models.IndexEntry, bool)
}

// Searcher runs full-text queries. *search.Mirror satisfies it.
type Searcher interface {
	Search(query string, limit int) ([]search.Result, error)
}

// SessionDetail is the full representation of a stored session.
type SessionDetail struct {
	ID       string             `json:"id"`
	Checksum string             `json:"checksum"`
	Entry    *models.IndexEntry `json:"entry,omitempty"`
	Document json.RawMessage    `json:"document"`
}

// ListFilter narrows a session listing. Zero values match everything.
type ListFilter struct {
	Tag  string
	From time.Time
	To   time.Time
}

// Service coordinates the document store and the index engine.
type Service struct {
	docs     storage.Provider
	indexer  Indexer
	searcher Searcher
	logger   *slog.Logger
	now      func() time.Time

	// mu spans each existence or checksum check and the write that follows it.
	mu sync.Mutex
}

// NewService creates a session service. searcher may be nil, in which case
// Search matches titles and tags from the index.
func NewService(docs storage.Provider, indexer Indexer, searcher Searcher, logger *slog.Logger) *Service {
	return &Service{
		docs:     docs,
		indexer:  indexer,
		searcher: searcher,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get reads a session and attaches its index entry, if any.
func (s *Service) Get(_ context.Context, id string) (*SessionDetail, error) {
	data, err := s.docs.ReadDocument(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return s.detail(id, data), nil
}

// Create stores a new session. An empty id is replaced by a random UUID.
func (s *Service) Create(ctx context.Context, doc models.SessionDocument) (*SessionDetail, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := s.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}

	s.mu.Lock()
	if _, err := s.docs.StatDocument(doc.ID); err == nil {
		s.mu.Unlock()
		return nil, apperr.ErrAlreadyExists
	}
	data, err := s.persist(doc)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.committed(ctx, doc.ID, data), nil
}

// Update replaces a session. A non-empty ifMatch must equal the checksum of
// the stored content.
func (s *Service) Update(ctx context.Context, id string, doc models.SessionDocument, ifMatch string) (*SessionDetail, error) {
	data, err := s.replace(id, doc, ifMatch)
	if err != nil {
		return nil, err
	}
	return s.committed(ctx, id, data), nil
}

func (s *Service) replace(id string, doc models.SessionDocument, ifMatch string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.docs.ReadDocument(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	if ifMatch != "" && ifMatch != checksum.Sum(existing) {
		return nil, apperr.ErrConflict
	}
	if doc.ID != "" && doc.ID != id {
		return nil, fmt.Errorf("%w: document id %q does not match %q", apperr.ErrInvalid, doc.ID, id)
	}
	doc.ID = id
	if doc.CreatedAt.IsZero() {
		if prev, err := parser.Parse(id, existing); err == nil {
			doc.CreatedAt = prev.CreatedAt
		}
	}
	doc.UpdatedAt = s.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	return s.persist(doc)
}

// Delete removes a session from the store and queues its index removal.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	err := s.docs.DeleteDocument(id)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperr.ErrNotFound
		}
		return err
	}
	s.notify(ctx, id)
	return nil
}

// List returns index entries matching f, most recently updated first.
func (s *Service) List(_ context.Context, f ListFilter) []models.IndexEntry {
	if f.Tag == "" {
		return s.indexer.ByDateRange(f.From, f.To)
	}
	out := []models.IndexEntry{}
	for _, e := range s.indexer.ByTag(f.Tag) {
		if !f.From.IsZero() && e.UpdatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.UpdatedAt.After(f.To) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Search runs a full-text query, or a title and tag match when no search
// mirror is configured.
func (s *Service) Search(_ context.Context, query string, limit int) ([]search.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	if s.searcher != nil {
		return s.searcher.Search(query, limit)
	}
	q := strings.ToLower(query)
	out := []search.Result{}
	for _, e := range s.indexer.All() {
		if len(out) == limit {
			break
		}
		if strings.Contains(strings.ToLower(e.Title), q) || hasTagLike(e.Tags, q) {
			out = append(out, search.Result{ID: e.ID, Title: e.Title})
		}
	}
	return out, nil
}

func hasTagLike(tags []string, q string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

// persist validates and stores doc. Callers hold mu.
func (s *Service) persist(doc models.SessionDocument) ([]byte, error) {
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	if doc.Messages == nil {
		doc.Messages = []models.Message{}
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := s.docs.WriteDocument(doc.ID, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Service) committed(ctx context.Context, id string, data []byte) *SessionDetail {
	s.notify(ctx, id)
	return s.detail(id, data)
}

// notify queues id for indexing. The document is already durable, so a
// failed flush is logged and left to the next reconcile.
func (s *Service) notify(ctx context.Context, id string) {
	if err := s.indexer.NotifyChanged(ctx, id); err != nil {
		s.logger.Warn("session: notify index failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

func (s *Service) detail(id string, data []byte) *SessionDetail {
	d := &SessionDetail{
		ID:       id,
		Checksum: checksum.Sum(data),
		Document: json.RawMessage(data),
	}
	if e, ok := s.indexer.Get(id); ok {
		d.Entry = &e
	}
	return d
}
