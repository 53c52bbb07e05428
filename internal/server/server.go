// Package server exposes the embedding engine over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/config"
	"github.com/raaihank/embedlib/internal/embeddings"
	"github.com/raaihank/embedlib/internal/engine"
	"github.com/raaihank/embedlib/internal/logger"
	"github.com/raaihank/embedlib/internal/model"
	"github.com/raaihank/embedlib/internal/web"
	"github.com/raaihank/embedlib/internal/websocket"
)

// Version is reported by /info.
const Version = "0.1.0"

// Embedder is the service surface the handlers need.
type Embedder interface {
	embeddings.EmbeddingService
	Similarity(ctx context.Context, a, b string) (float32, error)
	HealthCheck(ctx context.Context) error
}

// ReloadFunc re-initializes the engine. A nil paths means "reload what is
// configured"; otherwise the given artifacts replace the current ones.
type ReloadFunc func(ctx context.Context, paths *model.Paths) error

// Dependencies are the collaborators wired into the server.
type Dependencies struct {
	Engine  *engine.Engine
	Service Embedder
	Hub     *websocket.Hub // optional
	Reload  ReloadFunc     // optional; /admin/reload answers 501 without it
	WSPath  string
}

// Server represents the HTTP API server
type Server struct {
	config  config.ServerConfig
	deps    Dependencies
	logger  *logger.Logger
	router  *mux.Router
	server  *http.Server
	limiter *rateLimiter
	started time.Time
}

// New creates a new server instance
func New(cfg config.ServerConfig, deps Dependencies, log *logger.Logger) *Server {
	if deps.WSPath == "" {
		deps.WSPath = "/ws"
	}
	s := &Server{
		config:  cfg,
		deps:    deps,
		logger:  log.WithComponent("server"),
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorBody(w, http.StatusNotFound, "not_found", 0, "no route for "+r.URL.Path)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorBody(w, http.StatusMethodNotAllowed, "method_not_allowed", 0, r.Method+" not allowed on "+r.URL.Path)
	})

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)
	api.Use(s.bodyLimitMiddleware)
	api.HandleFunc("/embeddings", s.handleEmbeddings).Methods(http.MethodPost)
	api.HandleFunc("/similarity", s.handleSimilarity).Methods(http.MethodPost)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.bodyLimitMiddleware)
	admin.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)

	if s.deps.Hub != nil {
		s.router.HandleFunc(s.deps.WSPath, s.deps.Hub.HandleWebSocket).Methods(http.MethodGet)
		s.router.HandleFunc("/dashboard", web.Dashboard(s.deps.WSPath)).Methods(http.MethodGet)
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting embedding server",
		zap.Int("port", s.config.Port),
		zap.Bool("rate_limit", s.limiter != nil),
		zap.Bool("websocket", s.deps.Hub != nil),
	)
	if s.limiter != nil {
		go s.limiter.cleanupLoop(s.done())
	}
	return s.server.ListenAndServe()
}

func (s *Server) done() <-chan struct{} {
	ch := make(chan struct{})
	s.server.RegisterOnShutdown(func() { close(ch) })
	return ch
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping embedding server")
	return s.server.Shutdown(ctx)
}
