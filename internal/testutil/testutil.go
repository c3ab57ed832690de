// Package testutil provides shared test helpers for session directories and loggers.
package testutil

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/starford/chatshelf/internal/storage"
)

// BaseTime is the default updatedAt of sessions written by WriteSession.
var BaseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// TestSessions creates a temporary sessions directory with a storage.FS.
func TestSessions(t *testing.T) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	docs, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, docs
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// SessionJSON renders a minimal session document.
func SessionJSON(id, title string, updated time.Time, tags ...string) []byte {
	if tags == nil {
		tags = []string{}
	}
	doc := map[string]any{
		"id":        id,
		"title":     title,
		"tags":      tags,
		"createdAt": updated.Add(-time.Hour).Format(time.RFC3339),
		"updatedAt": updated.Format(time.RFC3339),
		"messages": []map[string]string{
			{"role": "user", "content": "hello from " + id},
			{"role": "assistant", "content": "hi"},
		},
	}
	data, _ := json.Marshal(doc)
	return data
}

// WriteSession stores a session stamped with BaseTime.
func WriteSession(t *testing.T, docs storage.Provider, id, title string, tags ...string) {
	t.Helper()
	if err := docs.WriteDocument(id, SessionJSON(id, title, BaseTime, tags...)); err != nil {
		t.Fatalf("write session %s: %v", id, err)
	}
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}
