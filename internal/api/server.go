package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/sheetloop/internal/fixture"
	"github.com/mattjoyce/sheetloop/internal/pipeline"
	"github.com/mattjoyce/sheetloop/internal/store"
)

// Config holds API server configuration.
type Config struct {
	Listen                  string
	Token                   string
	BasePath                string
	StreamHeartbeatInterval time.Duration
	UploadDir               string
	Accept                  []string
}

// Runner executes the pipeline for one turn.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, emit pipeline.Emitter) (pipeline.Result, error)
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	threads   *store.ThreadStore
	turns     *store.TurnStore
	steps     *store.StepStore
	files     *store.FileStore
	runner    Runner
	fixtures  *fixture.Catalog
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, db *sql.DB, runner Runner, fixtures *fixture.Catalog, logger *slog.Logger) *Server {
	if config.BasePath == "" {
		config.BasePath = "/api"
	}
	if config.StreamHeartbeatInterval <= 0 {
		config.StreamHeartbeatInterval = 15 * time.Second
	}
	return &Server{
		config:    config,
		threads:   store.NewThreadStore(db),
		turns:     store.NewTurnStore(db),
		steps:     store.NewStepStore(db),
		files:     store.NewFileStore(db),
		runner:    runner,
		fixtures:  fixtures,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	if n, err := s.turns.MarkAbandoned(ctx); err != nil {
		s.logger.Warn("failed to fail abandoned turns", "error", err)
	} else if n > 0 {
		s.logger.Info("failed turns abandoned by a previous process", "count", n)
	}

	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE endpoints are long-lived streams.
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "base_path", s.config.BasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed API without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", s.handleHealthz)

	// Protected
	r.Route(s.config.BasePath, func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Get("/auth/me", s.handleCurrentUser)

		r.Post("/file/upload", s.handleUpload)
		r.Get("/file/{file_id}", s.handleDownload)

		r.Post("/excel/chat", s.handleChat)

		r.Get("/threads", s.handleListThreads)
		r.Get("/threads/{thread_id}", s.handleGetThread)
		r.Patch("/threads/{thread_id}", s.handleRenameThread)
		r.Delete("/threads/{thread_id}", s.handleDeleteThread)

		r.Get("/fixture/list", s.handleListFixtures)
		r.Post("/fixture/run/{scenario_id}/{case_id}", s.handleRunFixture)
		r.Get("/fixture/dataset/{scenario_id}/{file}", s.handleFixtureDataset)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
