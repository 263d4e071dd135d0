package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/concurrent/internal/engine"
	"github.com/mattjoyce/concurrent/internal/events"
	"github.com/mattjoyce/concurrent/internal/journal"
	"github.com/mattjoyce/concurrent/internal/pool"
	"github.com/mattjoyce/concurrent/internal/proxy"
)

const (
	defaultCallTimeout = 30 * time.Second
	// writeTimeout bounds ordinary responses. /events clears it per stream.
	writeTimeout = 10 * time.Minute
)

// Engine is the part of the engine the API serves.
type Engine interface {
	Load(ctx context.Context, name string) (*proxy.Proxy, error)
	Modules() []engine.ModuleInfo
	Stats() []pool.Stats
}

// CallLog reads the call journal.
type CallLog interface {
	Recent(ctx context.Context, module string, limit int) ([]journal.Entry, error)
}

// EventSource feeds the /events stream.
type EventSource interface {
	SnapshotSince(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
	Dropped() int64
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token required on every route except /healthz.
	APIKey string
	// CallTimeout bounds how long POST /call waits for a result.
	CallTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	engine    Engine
	calls     CallLog
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. calls may be nil when the journal
// is disabled.
func New(config Config, eng Engine, calls CallLog, hub EventSource, logger *slog.Logger) *Server {
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}
	return &Server{
		config:    config,
		engine:    eng,
		calls:     calls,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: max(writeTimeout, s.config.CallTimeout+10*time.Second),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

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

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/openapi.json", s.handleOpenAPI)
		r.Get("/pools", s.handlePools)
		r.Get("/modules", s.handleListModules)
		r.Get("/modules/{module}", s.handleGetModule)
		r.Post("/call/{module}/{fn}", s.handleCall)
		r.Get("/calls", s.handleCalls)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
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
