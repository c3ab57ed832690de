// Package apperr defines the sentinel and typed errors shared across chatshelf.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalid       = errors.New("invalid")
)

// TransientReadError reports a session document that could not be read
// during a scan. It is logged and retried on the next cycle.
type TransientReadError struct {
	ID  string
	Err error
}

func (e *TransientReadError) Error() string {
	return fmt.Sprintf("transient read %s: %v", e.ID, e.Err)
}

func (e *TransientReadError) Unwrap() error { return e.Err }

// ValidationError reports a document or index entry that is structurally
// invalid. Only the offending item is dropped.
type ValidationError struct {
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s: %s", e.ID, e.Field, e.Reason)
}

// Is lets callers match any ValidationError against ErrInvalid.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// StorageError reports a persisted file that could not be written.
// It is always returned to the caller.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CorruptIndexError reports a persisted index that failed to parse or
// validate. Callers fall back to an empty index and rebuild.
type CorruptIndexError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptIndexError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt index %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt index %s: %s", e.Path, e.Reason)
}

func (e *CorruptIndexError) Unwrap() error { return e.Err }
