package index

import (
	"time"

	"github.com/starford/chatshelf/internal/models"
)

// All returns every entry, most recently updated first.
func (s *Store) All() []models.IndexEntry {
	return s.snapshot().SortedEntries()
}

// ByTag returns entries carrying tag.
func (s *Store) ByTag(tag string) []models.IndexEntry {
	return s.filter(func(e models.IndexEntry) bool { return e.HasTag(tag) })
}

// ByDateRange returns entries whose UpdatedAt falls within [from, to].
// A zero bound is open.
func (s *Store) ByDateRange(from, to time.Time) []models.IndexEntry {
	return s.filter(func(e models.IndexEntry) bool {
		if !from.IsZero() && e.UpdatedAt.Before(from) {
			return false
		}
		if !to.IsZero() && e.UpdatedAt.After(to) {
			return false
		}
		return true
	})
}

// Get returns the entry for id.
func (s *Store) Get(id string) (models.IndexEntry, bool) {
	e, ok := s.snapshot().Entries[id]
	return e, ok
}

// Count returns the number of entries.
func (s *Store) Count() int {
	return len(s.snapshot().Entries)
}

// LastUpdated returns the timestamp of the last save, zero if never saved.
func (s *Store) LastUpdated() time.Time {
	return s.snapshot().LastUpdated
}

func (s *Store) filter(keep func(models.IndexEntry) bool) []models.IndexEntry {
	out := []models.IndexEntry{}
	for _, e := range s.snapshot().Entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	models.SortEntries(out)
	return out
}
