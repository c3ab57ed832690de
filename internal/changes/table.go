// Package changes detects which session documents were added, modified or
// deleted since the previous scan by comparing content fingerprints.
package changes

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/storage"
)

const tableVersion = "1"

// Table maps a document file name to the fingerprint of its last seen content.
type Table struct {
	Version      string            `json:"version"`
	Fingerprints map[string]string `json:"fingerprints"`
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{Version: tableVersion, Fingerprints: make(map[string]string)}
}

// LoadTable reads the table at path. A missing file yields an empty table.
// A file that does not decode is reported as *apperr.CorruptIndexError.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewTable(), nil
	}
	if err != nil {
		return nil, &apperr.StorageError{Op: "read", Path: path, Err: err}
	}
	t := NewTable()
	if err := json.Unmarshal(data, t); err != nil {
		return nil, &apperr.CorruptIndexError{Path: path, Reason: "malformed fingerprint table", Err: err}
	}
	if t.Version != tableVersion {
		return nil, &apperr.CorruptIndexError{Path: path, Reason: fmt.Sprintf("unsupported version %q", t.Version)}
	}
	if t.Fingerprints == nil {
		t.Fingerprints = make(map[string]string)
	}
	return t, nil
}

// Save writes the table atomically.
func (t *Table) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return &apperr.StorageError{Op: "encode", Path: path, Err: err}
	}
	if err := storage.WriteFileAtomic(path, data); err != nil {
		return &apperr.StorageError{Op: "write", Path: path, Err: err}
	}
	return nil
}
