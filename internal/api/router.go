package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/starford/chatshelf/internal/batch"
	"github.com/starford/chatshelf/internal/sessionservice"
	"github.com/starford/chatshelf/internal/syncer"
)

// Engine is the index maintenance surface exposed over HTTP.
// *syncer.Orchestrator satisfies it.
type Engine interface {
	Reconcile(ctx context.Context) (syncer.Result, error)
	FlushNow(ctx context.Context) (batch.Result, error)
	Stats() syncer.Stats
}

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// reconcileLimiter, if non-nil, throttles POST /index/reconcile.
func NewRouter(svc *sessionservice.Service, engine Engine, authEnabled bool, token string, sseHandler http.Handler, reconcileLimiter *rate.Limiter) chi.Router {
	h := NewHandler(svc, engine)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Sessions CRUD.
	r.Get("/sessions", h.ListSessions)
	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions/{id}", h.GetSession)
	r.Put("/sessions/{id}", h.UpdateSession)
	r.Delete("/sessions/{id}", h.DeleteSession)

	// Search.
	r.Get("/search", h.Search)

	// Index maintenance.
	r.With(RateLimit(reconcileLimiter)).Post("/index/reconcile", h.Reconcile)
	r.Post("/index/flush", h.Flush)
	r.Get("/index/stats", h.Stats)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
