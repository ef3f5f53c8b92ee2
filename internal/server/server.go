// Package server provides the operator HTTP server.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/xiaoruiguo/crowbar-core/internal/config"
	"github.com/xiaoruiguo/crowbar-core/internal/errors"
	"github.com/xiaoruiguo/crowbar-core/internal/handler"
	"github.com/xiaoruiguo/crowbar-core/internal/health"
	"github.com/xiaoruiguo/crowbar-core/internal/metrics"
	"github.com/xiaoruiguo/crowbar-core/internal/middleware"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	upgrade      *handler.UpgradeHandler
	restarts     *handler.RestartHandler
	healthCheck  *health.HealthChecker
	metrics      *metrics.Metrics
	errorHandler *errors.Handler
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server and registers its routes.
func NewServer(
	cfg *config.Config,
	upgrade handler.UpgradeOperator,
	repos handler.RepoChecker,
	restarts handler.RestartManager,
	healthCheck *health.HealthChecker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	errorHandler := errors.NewHandler(logger)

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		upgrade:      handler.NewUpgradeHandler(upgrade, repos, errorHandler, logger),
		restarts:     handler.NewRestartHandler(restarts, errorHandler, logger),
		healthCheck:  healthCheck,
		metrics:      m,
		errorHandler: errorHandler,
		logger:       logger,
		cfg:          cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		metrics.MetricsMiddleware(s.metrics, routeTemplate),
	}

	if s.cfg.Server.RateLimit > 0 {
		rateLimiter := middleware.NewRateLimiter(
			float64(s.cfg.Server.RateLimit),
			s.cfg.Server.RateBurst,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	if s.healthCheck != nil {
		s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)
	}

	// Routes are registered on the root router with full paths so that a
	// known path with the wrong method reaches MethodNotAllowedHandler.
	upgrade := func(path string, h http.HandlerFunc, method string) {
		s.router.Handle("/api/upgrade"+path, h).Methods(method)
	}
	upgrade("", s.upgrade.Status, http.MethodGet)
	upgrade("/prechecks", s.upgrade.Prechecks, http.MethodGet)
	upgrade("/prepare", s.upgrade.Prepare, http.MethodPost)
	upgrade("/services", s.upgrade.StopServices, http.MethodPost)
	upgrade("/nodes", s.upgrade.UpgradeNodes, http.MethodPost)
	upgrade("/finalize", s.upgrade.Finalize, http.MethodPost)
	upgrade("/cancel", s.upgrade.Cancel, http.MethodPost)
	upgrade("/adminrepocheck", s.upgrade.AdminRepoCheck, http.MethodGet)
	upgrade("/noderepocheck", s.upgrade.NodeRepoCheck, http.MethodGet)

	experimental := middleware.Experimental("restart_management", s.cfg.RestartManagement.Enabled, s.logger)
	restarts := func(path string, h http.HandlerFunc, method string) {
		s.router.Handle("/api/restart_management"+path, experimental(h)).Methods(method)
	}
	restarts("/restarts", s.restarts.ListRestarts, http.MethodGet)
	restarts("/restarts", s.restarts.ClearRestarts, http.MethodPost)
	restarts("/configuration", s.restarts.GetPolicy, http.MethodGet)
	restarts("/configuration", s.restarts.SetPolicy, http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, errors.ErrorResponse{
			ErrorCode: errors.KindNotFound,
			Message:   "endpoint not found",
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		})
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, errors.ErrorResponse{
			ErrorCode: errors.KindInvalidRequest,
			Message:   "method not allowed",
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		})
	})
}

// routeTemplate labels HTTP metrics by route rather than raw path
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}
