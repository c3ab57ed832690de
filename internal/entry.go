// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/starford/chatshelf/internal/api"
	"github.com/starford/chatshelf/internal/mcpserver"
	"github.com/starford/chatshelf/internal/sessionservice"
	"github.com/starford/chatshelf/internal/sse"
	"github.com/starford/chatshelf/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev", logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// Run starts the HTTP server, the index engine and, when enabled, the
// filesystem watcher. It returns after ctx is cancelled or SIGINT/SIGTERM.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger, logCloser := newLogger(cfg.App, app.logOutput)
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("version", app.version),
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sessions_path", cfg.Sessions.Path),
		slog.String("index_path", cfg.Index.Path),
		slog.Bool("search_enabled", cfg.Search.Enabled),
		slog.Bool("watcher_enabled", cfg.Watcher.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.close()

	broker := sse.NewBroker(2 * time.Second)
	eng.store.OnChange(broker.HandleIndexChange)

	if err := eng.warmUp(ctx); err != nil {
		return err
	}

	svc := sessionservice.NewService(eng.docs, eng.orch, eng.searcher(), logger)

	var limiter *rate.Limiter
	if cfg.Reconcile.MinGap > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Reconcile.MinGap), 1)
	}
	apiRouter := api.NewRouter(svc, eng.orch, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, limiter)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"indexed": eng.orch.Stats().TotalIndexed,
		})
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.orch.Run(gCtx)
	})

	if cfg.Watcher.Enabled {
		g.Go(func() error {
			if err := syncer.Watch(gCtx, eng.orch, eng.docs, eng.docs.Root(), logger); err != nil {
				// The index still converges through periodic reconciles.
				logger.Error("watcher failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server...")

		// SSE streams only end once the broker closes their channels.
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// ReconcileReport is the JSON printed by RunReconcile.
type ReconcileReport struct {
	syncer.Result
	ErrorMessages []string `json:"errors"`
}

// RunReconcile runs one reconcile pass and writes a ReconcileReport to out.
// full discards the fingerprint table first so every session is re-read.
func RunReconcile(ctx context.Context, full bool, out io.Writer, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger, logCloser := newLogger(app.config.App, app.logOutput)
	defer logCloser.Close()

	eng, err := newEngine(app.config, logger)
	if err != nil {
		return err
	}
	defer eng.close()

	if full {
		if err := eng.detector.Forget(); err != nil {
			return fmt.Errorf("reset fingerprints: %w", err)
		}
	}
	if _, err := eng.store.Load(ctx); err != nil {
		return fmt.Errorf("load index: %w", err)
	}

	res, err := eng.orch.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if eng.mirror != nil {
		if err := eng.mirror.Backfill(ctx, eng.store.All()); err != nil {
			logger.Warn("search backfill failed", slog.String("error", err.Error()))
		}
	}

	report := ReconcileReport{Result: res, ErrorMessages: make([]string, len(res.Errors))}
	for i, e := range res.Errors {
		report.ErrorMessages[i] = e.Error()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// RunMCP serves the MCP tools over stdio while the index engine runs in
// the background.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger, logCloser := newLogger(cfg.App, app.logOutput)
	defer logCloser.Close()
	slog.SetDefault(logger)

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.warmUp(ctx); err != nil {
		return err
	}

	svc := sessionservice.NewService(eng.docs, eng.orch, eng.searcher(), logger)
	srv := mcpserver.New(svc, eng.orch, app.version)

	runCtx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return eng.orch.Run(gCtx) })
	if cfg.Watcher.Enabled {
		g.Go(func() error {
			if err := syncer.Watch(gCtx, eng.orch, eng.docs, eng.docs.Root(), logger); err != nil {
				logger.Error("watcher failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	logger.Info("MCP server starting on stdio", slog.String("version", app.version))
	serveErr := srv.ServeStdio()

	cancel()
	if err := g.Wait(); err != nil {
		logger.Error("engine stopped with error", slog.String("error", err.Error()))
	}
	return serveErr
}
