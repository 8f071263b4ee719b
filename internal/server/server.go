// Package server provides the HTTP server for the data and management APIs.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/chaintable/internal/config"
	"github.com/devrev/chaintable/internal/handler"
	"github.com/devrev/chaintable/internal/health"
	"github.com/devrev/chaintable/internal/metrics"
	"github.com/devrev/chaintable/internal/middleware"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	admin        *handler.AdminHandlers
	healthCheck  *health.HealthChecker
	errorHandler *handler.ErrorHandler
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	tables handler.TableService,
	configs handler.ConfigService,
	replicas handler.ReplicaService,
	healthCheck *health.HealthChecker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	errorHandler := handler.NewErrorHandler(logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handler.NewHandlers(tables, errorHandler, logger),
		admin:        handler.NewAdminHandlers(configs, replicas, errorHandler, logger),
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
		middleware.ContentType,
	}
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.Burst,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Requests are bounded by the write timeout. Routes that wait out a
	// configuration drain or walk whole tables are not.
	timeout := middleware.Timeout(s.cfg.Server.WriteTimeout)
	bounded := func(fn http.HandlerFunc) http.Handler {
		return timeout(fn)
	}
	unbounded := func(fn http.HandlerFunc) http.Handler {
		return middleware.NoWriteDeadline(fn)
	}

	// Health check endpoints
	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Handle("/configuration", bounded(s.admin.GetConfiguration)).Methods(http.MethodGet)
	admin.Handle("/configuration", unbounded(s.admin.PutConfiguration)).Methods(http.MethodPut)
	admin.Handle("/views/{view}", bounded(s.admin.GetView)).Methods(http.MethodGet)
	admin.Handle("/views/{view}/replicas/{endpoint}/on", bounded(s.admin.TurnReplicaOn)).Methods(http.MethodPost)
	admin.Handle("/views/{view}/replicas/{endpoint}/off", unbounded(s.admin.TurnReplicaOff)).Methods(http.MethodPost)
	admin.Handle("/jobs/{id}", bounded(s.admin.GetJob)).Methods(http.MethodGet)

	v1.Handle("/tables/{table}", bounded(s.handlers.CreateTable)).Methods(http.MethodPost)
	v1.Handle("/tables/{table}", bounded(s.handlers.TableExists)).Methods(http.MethodGet)
	v1.Handle("/tables/{table}", bounded(s.handlers.DeleteTable)).Methods(http.MethodDelete)

	tables := v1.PathPrefix("/tables/{table}").Subrouter()
	tables.Handle("/batch", bounded(s.handlers.ExecuteBatch)).Methods(http.MethodPost)
	tables.Handle("/repair", unbounded(s.handlers.RepairTable)).Methods(http.MethodPost)
	tables.Handle("/convert", unbounded(s.handlers.ConvertTable)).Methods(http.MethodPost)
	tables.Handle("/rows", bounded(s.handlers.Query)).Methods(http.MethodGet)
	tables.Handle("/rows", bounded(s.handlers.InsertRow)).Methods(http.MethodPost)
	tables.Handle("/rows/{pk}/{rk}", bounded(s.handlers.GetRow)).Methods(http.MethodGet)
	tables.Handle("/rows/{pk}/{rk}", bounded(s.handlers.ReplaceRow)).Methods(http.MethodPut)
	tables.Handle("/rows/{pk}/{rk}", bounded(s.handlers.MergeRow)).Methods(http.MethodPatch)
	tables.Handle("/rows/{pk}/{rk}", bounded(s.handlers.DeleteRow)).Methods(http.MethodDelete)
	tables.Handle("/rows/{pk}/{rk}/repair", bounded(s.handlers.RepairRow)).Methods(http.MethodPost)
	tables.Handle("/rows/{pk}/{rk}/flush", bounded(s.handlers.FlushRow)).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, r, http.StatusNotFound, handler.ErrorResponse{
			ErrorCode: "NOT_FOUND",
			Message:   "endpoint not found",
		})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, handler.ErrorResponse{
			ErrorCode: "METHOD_NOT_ALLOWED",
			Message:   "method not allowed",
		})
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.httpServer.Addr))

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

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
