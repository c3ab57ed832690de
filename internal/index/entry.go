package index

import (
	"errors"
	"os"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/parser"
	"github.com/starford/chatshelf/internal/storage"
)

// BuildEntry reads session id from docs and projects it into an index entry.
// present is false when the document no longer exists. Read failures other
// than absence are returned as *apperr.TransientReadError.
func BuildEntry(docs storage.Provider, id string) (e models.IndexEntry, present bool, err error) {
	data, err := docs.ReadDocument(id)
	if errors.Is(err, os.ErrNotExist) {
		return e, false, nil
	}
	if err != nil {
		return e, false, &apperr.TransientReadError{ID: id, Err: err}
	}
	return EntryFromBytes(docs, id, data)
}

// EntryFromBytes builds an entry from content already read. The file name
// id is authoritative: a document claiming a different id is rejected.
func EntryFromBytes(docs storage.Provider, id string, data []byte) (e models.IndexEntry, present bool, err error) {
	meta, err := parser.Parse(id, data)
	if err != nil {
		return e, true, err
	}
	if meta.ID != "" && meta.ID != id {
		return e, true, &apperr.ValidationError{ID: id, Field: "id", Reason: "does not match file name"}
	}

	e = models.IndexEntry{
		ID:           id,
		Title:        meta.Title,
		Tags:         meta.Tags,
		CreatedAt:    meta.CreatedAt,
		UpdatedAt:    meta.UpdatedAt,
		Size:         int64(len(data)),
		MessageCount: meta.MessageCount,
	}
	if e.UpdatedAt.IsZero() {
		info, err := docs.StatDocument(id)
		if errors.Is(err, os.ErrNotExist) {
			return models.IndexEntry{}, false, nil
		}
		if err != nil {
			return models.IndexEntry{}, true, &apperr.TransientReadError{ID: id, Err: err}
		}
		e.UpdatedAt = info.ModTime.UTC()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.UpdatedAt
	}
	return e, true, nil
}
