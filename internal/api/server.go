// Package api provides the HTTP API server for the bot panel.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/narvanalabs/botpanel/internal/api/handlers"
	"github.com/narvanalabs/botpanel/internal/api/health"
	"github.com/narvanalabs/botpanel/internal/api/middleware"
	"github.com/narvanalabs/botpanel/internal/auth"
	"github.com/narvanalabs/botpanel/pkg/config"
)

// Version is the current version of the panel.
// This should be set at build time using ldflags.
var Version = "dev"

// Dependencies are the components the HTTP surface drives.
type Dependencies struct {
	Deployer   handlers.Deployer
	Controller handlers.Controller
	Workloads  handlers.WorkloadSource
	Status     handlers.StatusSource
	Logs       handlers.LogTailer
	Files      handlers.FileManager
	Installer  handlers.Installer
	Publisher  handlers.Publisher
	Sessions   handlers.SessionServer

	// Auth is nil when authentication is disabled.
	Auth *auth.Service
	// Daemon is the supervisor daemon; a failed ping makes the panel unhealthy.
	Daemon health.Pinger
	// Store is the durable store, nil when the registry is memory only.
	Store health.Pinger
	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	deps          Dependencies
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
	limiter       *middleware.RateLimiter
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		deps:    deps,
		config:  cfg,
		logger:  logger,
		limiter: middleware.NewRateLimiter(cfg.Limits.RateLimitPerMinute, cfg.Limits.RateLimitBurst, logger),
	}

	s.healthChecker = health.NewChecker(Version)
	s.healthChecker.Register("daemon", deps.Daemon, true)
	if deps.Store != nil {
		s.healthChecker.Register("store", deps.Store, false)
	}

	s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	timeout := s.config.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	// Health check endpoint (no auth required)
	r.With(chimiddleware.Timeout(timeout)).Get("/health", s.healthChecker.Handler())

	deployHandler := handlers.NewDeployHandler(s.deps.Deployer, s.deps.Publisher, s.config.Limits.MaxUploadBytes, s.logger)
	workloadHandler := handlers.NewWorkloadHandler(s.deps.Workloads, s.deps.Controller, s.deps.Status, s.deps.Logs, s.deps.Publisher, s.logger)
	filesHandler := handlers.NewFilesHandler(s.deps.Files, s.config.Limits.MaxUploadBytes, s.logger)
	installHandler := handlers.NewInstallHandler(s.deps.Installer, s.logger)
	wsHandler := handlers.NewWSHandler(s.deps.Sessions, s.config.AllowedOrigins, s.logger)

	r.Group(func(r chi.Router) {
		authMiddleware := middleware.NewAuthMiddleware(s.deps.Auth, s.logger)
		r.Use(authMiddleware.Authenticate)

		// Push sessions are long-lived and stay outside the request timeout.
		r.Get("/ws", wsHandler.Serve)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(timeout))

			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

			r.Get("/status", workloadHandler.Status)
			r.Post("/control", workloadHandler.Control)
			r.Route("/workloads", func(r chi.Router) {
				r.Get("/", workloadHandler.List)
				r.Get("/{name}", workloadHandler.Get)
				r.Get("/{name}/logs", workloadHandler.Logs)
			})

			r.Route("/files/{name}", func(r chi.Router) {
				r.Get("/", filesHandler.List)
				r.Delete("/", filesHandler.Delete)
				r.Get("/content", filesHandler.Read)
				r.Put("/content", filesHandler.Write)
				r.Post("/mkdir", filesHandler.Mkdir)
				r.Post("/upload", filesHandler.Upload)
				r.Post("/extract", filesHandler.Extract)
			})

			r.Get("/install_dependencies/{session}", installHandler.Session)
		})

		// Spawning endpoints are throttled per client. They run detached from
		// the request and always write their own result, so they stay outside
		// the request timeout.
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Limit)
			r.Post("/deploy", deployHandler.Deploy)
			r.Post("/install_dependencies", installHandler.Start)
		})
	})

	s.router = r
}

// ListenAndServe serves until Shutdown is called. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting API server", "addr", ln.Addr().String(), "auth", s.deps.Auth != nil)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server. Hijacked push connections are
// not tracked by net/http and must be closed by their owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
