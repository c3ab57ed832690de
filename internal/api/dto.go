package api

import (
	"time"

	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/search"
	"github.com/starford/chatshelf/internal/sessionservice"
)

// SessionDetail is the full session response type (aliased from the domain layer).
type SessionDetail = sessionservice.SessionDetail

// SessionListResponse wraps session listings.
type SessionListResponse struct {
	Sessions []models.IndexEntry `json:"sessions"`
	Total    int                 `json:"total"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []search.Result `json:"results"`
}

// ReconcileResponse reports a reconcile pass.
type ReconcileResponse struct {
	Processed int       `json:"processed"`
	Added     int       `json:"added"`
	Modified  int       `json:"modified"`
	Deleted   int       `json:"deleted"`
	Healed    int       `json:"healed"`
	Errors    []string  `json:"errors"`
	Started   time.Time `json:"started"`
	Duration  string    `json:"duration"`
}

// FlushResponse reports a batch flush.
type FlushResponse struct {
	Flushed  int      `json:"flushed"`
	Upserted int      `json:"upserted"`
	Removed  int      `json:"removed"`
	Errors   []string `json:"errors"`
}

func errorStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
