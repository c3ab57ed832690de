// Package storage defines the session document store abstraction.
package storage

import "time"

// DocumentInfo is file-level metadata about a stored session document.
type DocumentInfo struct {
	ID      string
	Size    int64
	ModTime time.Time
}

// Provider is the interface for session document operations.
type Provider interface {
	// ListDocumentIDs returns the ids of every stored session, sorted.
	// A missing store directory yields an empty list.
	ListDocumentIDs() ([]string, error)
	// ReadDocument returns the raw bytes of a session. The error wraps
	// os.ErrNotExist when the session is absent.
	ReadDocument(id string) ([]byte, error)
	// StatDocument returns file metadata for a session.
	StatDocument(id string) (DocumentInfo, error)
	// WriteDocument atomically writes a session.
	WriteDocument(id string, content []byte) error
	// DeleteDocument removes a session.
	DeleteDocument(id string) error
	// FileName maps a session id to its file name in the store.
	FileName(id string) string
	// IDFromFileName maps a file name back to a session id.
	IDFromFileName(name string) (string, bool)
}
