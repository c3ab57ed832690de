package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/testutil"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "index.json"), testutil.Logger())
}

func entry(id string, updated time.Time, tags ...string) models.IndexEntry {
	if tags == nil {
		tags = []string{}
	}
	return models.IndexEntry{
		ID:        id,
		Title:     "title " + id,
		Tags:      tags,
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
		Size:      42,
	}
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s := testStore(t)
	f, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Entries) != 0 || f.Version != models.IndexVersion {
		t.Errorf("unexpected index %+v", f)
	}
}

func TestApply_SavesOnceAndRoundTrips(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := testutil.BaseTime

	cs := models.ChangeSet{Upserts: []models.IndexEntry{entry("a", base, "x"), entry("b", base.Add(time.Minute))}}
	if err := s.Apply(ctx, cs); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	reopened := NewStore(s.Path(), testutil.Logger())
	f, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(f.Entries))
	}
	got := f.Entries["a"]
	if got.Title != "title a" || !got.UpdatedAt.Equal(base) || got.Size != 42 || !got.HasTag("x") {
		t.Errorf("entry a = %+v", got)
	}
	if f.LastUpdated.IsZero() {
		t.Error("lastUpdated should be stamped")
	}

	if err := s.Apply(ctx, models.ChangeSet{Removals: []string{"a", "missing"}}); err != nil {
		t.Fatalf("Apply removals: %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("count = %d, want 1", s.Count())
	}
}

func TestApply_EmptyChangeSetDoesNotWrite(t *testing.T) {
	s := testStore(t)
	if err := s.Apply(context.Background(), models.ChangeSet{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := os.Stat(s.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("index file should not exist, stat err = %v", err)
	}
}

func TestApply_HooksReceiveChangeSet(t *testing.T) {
	s := testStore(t)
	var mu sync.Mutex
	var seen []models.ChangeSet
	s.OnChange(func(_ context.Context, cs models.ChangeSet) {
		mu.Lock()
		seen = append(seen, cs)
		mu.Unlock()
	})

	_ = s.Upsert(context.Background(), entry("a", testutil.BaseTime))
	_ = s.Remove(context.Background(), "a")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("hook calls = %d, want 2", len(seen))
	}
	if len(seen[0].Upserts) != 1 || len(seen[1].Removals) != 1 {
		t.Errorf("unexpected change sets %+v", seen)
	}
}

func TestSave_FailureIsStorageError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	_ = os.WriteFile(blocker, []byte("x"), 0o644)

	// The parent of the index path is a regular file, so the write cannot succeed.
	s := NewStore(filepath.Join(blocker, "index.json"), testutil.Logger())
	err := s.Upsert(context.Background(), entry("a", testutil.BaseTime))
	var se *apperr.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *apperr.StorageError", err)
	}
}

func TestLoad_CorruptFileFallsBackToEmpty(t *testing.T) {
	cases := map[string]string{
		"truncated":       `{"version":"1.0","lastUpdated":"2024-01-01T00:00:00Z","entries":[{"id":`,
		"wrong version":   `{"version":"9","lastUpdated":"2024-01-01T00:00:00Z","entries":[]}`,
		"missing version": `{"lastUpdated":"2024-01-01T00:00:00Z","entries":[]}`,
		"bad lastUpdated": `{"version":"1.0","lastUpdated":"soon","entries":[]}`,
		"entries object":  `{"version":"1.0","lastUpdated":"2024-01-01T00:00:00Z","entries":{}}`,
		"not an object":   `[]`,
	}
	for name, body := range cases {
		s := testStore(t)
		_ = os.WriteFile(s.Path(), []byte(body), 0o644)
		f, err := s.Load(context.Background())
		if err != nil {
			t.Errorf("%s: Load returned error %v", name, err)
			continue
		}
		if len(f.Entries) != 0 {
			t.Errorf("%s: entries = %d, want 0", name, len(f.Entries))
		}
	}
}

func TestLoad_DropsInvalidEntriesOnly(t *testing.T) {
	s := testStore(t)
	body := `{"version":"1.0","lastUpdated":"2024-01-01T00:00:00Z","entries":[
		{"id":"good","title":"ok","tags":["a"],"createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-02T00:00:00Z","size":10,"messageCount":2},
		{"id":"","title":"no id","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z","size":1},
		{"id":"scalar-tags","tags":"a","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z","size":1},
		{"id":"bad-date","createdAt":"yesterday","updatedAt":"2024-01-01T00:00:00Z","size":1},
		{"id":"neg-size","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z","size":-1},
		{"id":"frac-size","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z","size":1.5},
		{"id":"no-tags","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z","size":0},
		"not an object"
	]}`
	_ = os.WriteFile(s.Path(), []byte(body), 0o644)

	f, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Entries) != 2 {
		t.Fatalf("entries = %v, want good and no-tags", f.Entries)
	}
	if f.Entries["good"].MessageCount != 2 {
		t.Errorf("good = %+v", f.Entries["good"])
	}
	if tags := f.Entries["no-tags"].Tags; tags == nil || len(tags) != 0 {
		t.Errorf("no-tags tags = %#v, want empty slice", tags)
	}
}

func TestDecodeIndex_ReportsDropped(t *testing.T) {
	body := `{"version":"1.0","lastUpdated":"2024-01-01T00:00:00Z","entries":[{"id":"x","size":1}]}`
	_, dropped, err := decodeIndex("index.json", []byte(body))
	if err != nil {
		t.Fatalf("decodeIndex: %v", err)
	}
	if len(dropped) != 1 || !errors.Is(dropped[0], apperr.ErrInvalid) {
		t.Errorf("dropped = %v", dropped)
	}

	_, _, err = decodeIndex("index.json", []byte(`{}`))
	var ce *apperr.CorruptIndexError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want *apperr.CorruptIndexError", err)
	}
}

func TestSave_FileIsHumanReadable(t *testing.T) {
	s := testStore(t)
	_ = s.Upsert(context.Background(), entry("a", testutil.BaseTime))
	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{`"version": "1.0"`, `"lastUpdated"`, `"entries"`, `"id": "a"`} {
		if !strings.Contains(text, want) {
			t.Errorf("index file missing %s:\n%s", want, text)
		}
	}
}

func TestQueries(t *testing.T) {
	s := testStore(t)
	base := testutil.BaseTime
	_ = s.Apply(context.Background(), models.ChangeSet{Upserts: []models.IndexEntry{
		entry("old", base.Add(-48*time.Hour), "work"),
		entry("mid", base.Add(-24*time.Hour), "home"),
		entry("new", base, "work", "urgent"),
	}})

	all := s.All()
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Errorf("All order = %v", ids(all))
	}

	work := s.ByTag("work")
	if len(work) != 2 || work[0].ID != "new" || work[1].ID != "old" {
		t.Errorf("ByTag(work) = %v", ids(work))
	}
	if len(s.ByTag("none")) != 0 {
		t.Error("ByTag(none) should be empty")
	}

	ranged := s.ByDateRange(base.Add(-30*time.Hour), base.Add(-time.Hour))
	if len(ranged) != 1 || ranged[0].ID != "mid" {
		t.Errorf("ByDateRange = %v", ids(ranged))
	}
	if open := s.ByDateRange(time.Time{}, base.Add(-24*time.Hour)); len(open) != 2 {
		t.Errorf("open lower bound = %v", ids(open))
	}

	if _, ok := s.Get("mid"); !ok {
		t.Error("Get(mid) should find the entry")
	}
	if s.LastUpdated().IsZero() {
		t.Error("LastUpdated should be set after a save")
	}
}

func TestQueries_LoadLazily(t *testing.T) {
	s := testStore(t)
	_ = s.Upsert(context.Background(), entry("a", testutil.BaseTime))

	fresh := NewStore(s.Path(), testutil.Logger())
	if fresh.Count() != 1 {
		t.Errorf("Count = %d, want 1", fresh.Count())
	}
}

func ids(entries []models.IndexEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
