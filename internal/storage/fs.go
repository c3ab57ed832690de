package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/starford/chatshelf/internal/apperr"
)

const docExt = ".json"

var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,199}$`)

// FS implements Provider with one <id>.json file per session in a flat directory.
type FS struct {
	root string // absolute path to the sessions directory
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute sessions directory.
func (f *FS) Root() string { return f.root }

// ValidID reports whether id can be stored as a session file name.
func ValidID(id string) bool {
	return idRe.MatchString(id) && !strings.Contains(id, "..")
}

// docPath resolves a session id to its file, rejecting ids that could
// escape the sessions directory.
func (f *FS) docPath(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("storage: session id %q: %w", id, apperr.ErrInvalid)
	}
	return filepath.Join(f.root, id+docExt), nil
}

// FileName implements Provider.
func (f *FS) FileName(id string) string { return id + docExt }

// IDFromFileName implements Provider.
func (f *FS) IDFromFileName(name string) (string, bool) {
	name = filepath.Base(name)
	if IsTempFile(name) || !strings.HasSuffix(name, docExt) {
		return "", false
	}
	id := strings.TrimSuffix(name, docExt)
	if !ValidID(id) {
		return "", false
	}
	return id, true
}

// ListDocumentIDs implements Provider.
func (f *FS) ListDocumentIDs() ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := f.IDFromFileName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadDocument implements Provider.
func (f *FS) ReadDocument(id string) ([]byte, error) {
	p, err := f.docPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", id, err)
	}
	return data, nil
}

// StatDocument implements Provider.
func (f *FS) StatDocument(id string) (DocumentInfo, error) {
	p, err := f.docPath(id)
	if err != nil {
		return DocumentInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return DocumentInfo{}, fmt.Errorf("storage: stat %s: %w", id, err)
	}
	return DocumentInfo{ID: id, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// WriteDocument implements Provider.
func (f *FS) WriteDocument(id string, content []byte) error {
	p, err := f.docPath(id)
	if err != nil {
		return err
	}
	return WriteFileAtomic(p, content)
}

// DeleteDocument implements Provider.
func (f *FS) DeleteDocument(id string) error {
	p, err := f.docPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("storage: delete %s: %w", id, err)
	}
	return nil
}
