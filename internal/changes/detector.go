package changes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/checksum"
	"github.com/starford/chatshelf/internal/storage"
)

// Diff classifies session ids against the previous scan. Content holds the
// bytes read for added and modified documents.
type Diff struct {
	Added     []string
	Modified  []string
	Deleted   []string
	Unchanged []string
	Errors    []error
	Content   map[string][]byte
}

// Changed reports the number of added, modified and deleted documents.
func (d Diff) Changed() int {
	return len(d.Added) + len(d.Modified) + len(d.Deleted)
}

// Detector compares the sessions directory with a persisted fingerprint table.
type Detector struct {
	docs      storage.Provider
	tablePath string
	fp        checksum.Fingerprinter
	logger    *slog.Logger

	mu sync.Mutex
}

// NewDetector creates a Detector persisting its table at tablePath.
func NewDetector(docs storage.Provider, tablePath string, fp checksum.Fingerprinter, logger *slog.Logger) *Detector {
	return &Detector{docs: docs, tablePath: tablePath, fp: fp, logger: logger}
}

// Detect lists and fingerprints every document, classifies it against the
// stored table and persists the new table before returning.
//
// A document that disappears between listing and reading counts as deleted.
// Any other read failure is reported in Diff.Errors; the document keeps its
// previous fingerprint and is left unclassified until the next scan.
// Cancelling ctx abandons the scan without touching the table.
func (d *Detector) Detect(ctx context.Context) (Diff, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	old, err := LoadTable(d.tablePath)
	if err != nil {
		var ce *apperr.CorruptIndexError
		if !errors.As(err, &ce) {
			return Diff{}, err
		}
		d.logger.Warn("changes: corrupt fingerprint table, rescanning everything",
			slog.String("path", d.tablePath), slog.String("error", err.Error()))
		old = NewTable()
	}

	ids, err := d.docs.ListDocumentIDs()
	if err != nil {
		return Diff{}, fmt.Errorf("changes: list: %w", err)
	}

	next := NewTable()
	diff := Diff{Content: make(map[string][]byte)}
	listed := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return Diff{}, err
		}
		name := d.docs.FileName(id)
		listed[name] = struct{}{}
		prev, known := old.Fingerprints[name]

		data, err := d.docs.ReadDocument(id)
		if errors.Is(err, os.ErrNotExist) {
			if known {
				diff.Deleted = append(diff.Deleted, id)
			}
			continue
		}
		if err != nil {
			diff.Errors = append(diff.Errors, &apperr.TransientReadError{ID: id, Err: err})
			if known {
				next.Fingerprints[name] = prev
			}
			continue
		}

		sum := d.fp.Fingerprint(data)
		next.Fingerprints[name] = sum
		switch {
		case !known:
			diff.Added = append(diff.Added, id)
			diff.Content[id] = data
		case prev != sum:
			diff.Modified = append(diff.Modified, id)
			diff.Content[id] = data
		default:
			diff.Unchanged = append(diff.Unchanged, id)
		}
	}

	for name := range old.Fingerprints {
		if _, ok := listed[name]; ok {
			continue
		}
		if id, ok := d.docs.IDFromFileName(name); ok {
			diff.Deleted = append(diff.Deleted, id)
		}
	}
	sort.Strings(diff.Deleted)

	if err := next.Save(d.tablePath); err != nil {
		return Diff{}, err
	}

	d.logger.Debug("changes: detected",
		slog.Int("added", len(diff.Added)),
		slog.Int("modified", len(diff.Modified)),
		slog.Int("deleted", len(diff.Deleted)),
		slog.Int("unchanged", len(diff.Unchanged)),
		slog.Int("errors", len(diff.Errors)))
	return diff, nil
}

// Forget drops the stored table so the next Detect reports every document as added.
func (d *Detector) Forget() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(d.tablePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &apperr.StorageError{Op: "remove", Path: d.tablePath, Err: err}
	}
	return nil
}
