// Package models defines the domain types for chatshelf.
package models

import (
	"encoding/json"
	"sort"
	"time"
)

// IndexVersion is the schema version written to and required from the index file.
const IndexVersion = "1.0"

// Message is one turn of a conversation.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// SessionDocument is a stored conversation. The engine treats the stored
// bytes as opaque apart from the fields below.
type SessionDocument struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// IndexEntry is the queryable projection of a SessionDocument.
type IndexEntry struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Size         int64     `json:"size"`
	MessageCount int       `json:"messageCount"`
}

// HasTag reports whether the entry carries tag.
func (e IndexEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IndexFile is the durable container for all index entries.
type IndexFile struct {
	Version     string
	LastUpdated time.Time
	Entries     map[string]IndexEntry
}

// NewIndexFile returns an empty, current-version index file.
func NewIndexFile() *IndexFile {
	return &IndexFile{
		Version: IndexVersion,
		Entries: make(map[string]IndexEntry),
	}
}

// Clone returns a copy whose entry map can be mutated independently.
func (f *IndexFile) Clone() *IndexFile {
	out := &IndexFile{
		Version:     f.Version,
		LastUpdated: f.LastUpdated,
		Entries:     make(map[string]IndexEntry, len(f.Entries)),
	}
	for id, e := range f.Entries {
		out.Entries[id] = e
	}
	return out
}

// SortedEntries returns the entries ordered by most recently updated first,
// ties broken by id.
func (f *IndexFile) SortedEntries() []IndexEntry {
	out := make([]IndexEntry, 0, len(f.Entries))
	for _, e := range f.Entries {
		out = append(out, e)
	}
	SortEntries(out)
	return out
}

// SortEntries orders entries by UpdatedAt descending, then by ID.
func SortEntries(entries []IndexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

type indexFileJSON struct {
	Version     string       `json:"version"`
	LastUpdated time.Time    `json:"lastUpdated"`
	Entries     []IndexEntry `json:"entries"`
}

// MarshalJSON writes the entries as an array so the file stays diffable.
func (f *IndexFile) MarshalJSON() ([]byte, error) {
	entries := f.SortedEntries()
	for i := range entries {
		if entries[i].Tags == nil {
			entries[i].Tags = []string{}
		}
	}
	return json.Marshal(indexFileJSON{
		Version:     f.Version,
		LastUpdated: f.LastUpdated,
		Entries:     entries,
	})
}

// ChangeSet aggregates index upserts and removals applied as one unit.
type ChangeSet struct {
	Upserts  []IndexEntry
	Removals []string
}

// Merge combines another change set into the receiver.
func (c *ChangeSet) Merge(other ChangeSet) {
	if len(other.Upserts) > 0 {
		c.Upserts = append(c.Upserts, other.Upserts...)
	}
	if len(other.Removals) > 0 {
		c.Removals = append(c.Removals, other.Removals...)
	}
}

// IsEmpty reports whether there are no recorded changes.
func (c ChangeSet) IsEmpty() bool {
	return len(c.Upserts) == 0 && len(c.Removals) == 0
}

// Len returns the number of recorded changes.
func (c ChangeSet) Len() int {
	return len(c.Upserts) + len(c.Removals)
}
