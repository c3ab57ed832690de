package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/sessionservice"
)

const maxBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc    *sessionservice.Service
	engine Engine
}

// NewHandler creates a new Handler.
func NewHandler(svc *sessionservice.Service, engine Engine) *Handler {
	return &Handler{svc: svc, engine: engine}
}

// ListSessions handles GET /api/sessions.
//
//	@Summary		List indexed sessions, most recently updated first
//	@Tags			sessions
//	@Produce		json
//	@Param			tag		query		string	false	"Filter by tag"
//	@Param			from	query		string	false	"Updated at or after (RFC 3339 or YYYY-MM-DD)"
//	@Param			to		query		string	false	"Updated at or before (RFC 3339 or YYYY-MM-DD)"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	SessionListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions [get]
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseBound(q.Get("from"), false)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid 'from' timestamp"))
		return
	}
	to, err := parseBound(q.Get("to"), true)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid 'to' timestamp"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items := h.svc.List(r.Context(), sessionservice.ListFilter{Tag: q.Get("tag"), From: from, To: to})
	total := len(items)
	writeJSON(w, http.StatusOK, SessionListResponse{
		Sessions: paginate(items, limit, offset),
		Total:    total,
	})
}

// GetSession handles GET /api/sessions/{id}.
//
//	@Summary		Get a single session
//	@Tags			sessions
//	@Produce		json
//	@Param			id	path		string	true	"Session id"
//	@Success		200	{object}	SessionDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{id} [get]
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get session failed", id, err)
		return
	}
	w.Header().Set("ETag", `"`+sess.Checksum+`"`)
	writeJSON(w, http.StatusOK, sess)
}

// CreateSession handles POST /api/sessions.
//
//	@Summary		Create a session
//	@Tags			sessions
//	@Accept			json
//	@Produce		json
//	@Param			body	body		models.SessionDocument	true	"Session to create; id is generated when empty"
//	@Success		201		{object}	SessionDetail
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions [post]
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var doc models.SessionDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	sess, err := h.svc.Create(r.Context(), doc)
	if err != nil {
		h.writeServiceError(w, "create session failed", doc.ID, err)
		return
	}
	w.Header().Set("ETag", `"`+sess.Checksum+`"`)
	writeJSON(w, http.StatusCreated, sess)
}

// UpdateSession handles PUT /api/sessions/{id}.
//
//	@Summary		Replace a session with optimistic concurrency
//	@Tags			sessions
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string					true	"Session id"
//	@Param			If-Match	header		string					false	"SHA-256 checksum of the stored document"
//	@Param			body		body		models.SessionDocument	true	"Replacement document"
//	@Success		200			{object}	SessionDetail
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{id} [put]
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	id := chi.URLParam(r, "id")
	var doc models.SessionDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	sess, err := h.svc.Update(r.Context(), id, doc, ifMatch)
	if err != nil {
		h.writeServiceError(w, "update session failed", id, err)
		return
	}
	w.Header().Set("ETag", `"`+sess.Checksum+`"`)
	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/sessions/{id}.
//
//	@Summary		Delete a session
//	@Tags			sessions
//	@Param			id	path	string	true	"Session id"
//	@Success		204	"Session deleted"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{id} [delete]
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, "delete session failed", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search.
//
//	@Summary		Full-text search across sessions
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		slog.Error("search failed", slog.String("query", q), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Reconcile handles POST /api/index/reconcile.
//
//	@Summary		Run a full reconcile pass
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	ReconcileResponse
//	@Failure		429	{object}	errResponse
//	@Failure		500	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/index/reconcile [post]
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	// A pass abandoned midway discards the fingerprint table, so a client
	// that disconnects must not cancel it.
	res, err := h.engine.Reconcile(context.WithoutCancel(r.Context()))
	if err != nil {
		slog.Error("reconcile failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("reconcile failed"))
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{
		Processed: res.Processed,
		Added:     res.Added,
		Modified:  res.Modified,
		Deleted:   res.Deleted,
		Healed:    res.Healed,
		Errors:    errorStrings(res.Errors),
		Started:   res.Started,
		Duration:  res.Duration,
	})
}

// Flush handles POST /api/index/flush.
//
//	@Summary		Flush pending live changes into the index
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	FlushResponse
//	@Failure		500	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/index/flush [post]
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.FlushNow(r.Context())
	if err != nil {
		slog.Error("flush failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("flush failed"))
		return
	}
	writeJSON(w, http.StatusOK, FlushResponse{
		Flushed:  res.Flushed,
		Upserted: res.Upserted,
		Removed:  res.Removed,
		Errors:   errorStrings(res.Errors),
	})
}

// Stats handles GET /api/index/stats.
//
//	@Summary		Index engine statistics
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	syncer.Stats
//	@Security		BearerAuth
//	@Router			/index/stats [get]
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *Handler) writeServiceError(w http.ResponseWriter, msg, id string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody("session already exists"))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("checksum mismatch"))
	case errors.Is(err, apperr.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		slog.Error(msg, slog.String("session_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// parseBound accepts RFC 3339 or a bare date. A bare upper bound covers
// the whole day.
func parseBound(s string, upper bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}

func paginate(items []models.IndexEntry, limit, offset int) []models.IndexEntry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []models.IndexEntry{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
