// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/balance-ledger/internal/config"
	"github.com/balance-ledger/internal/logging"
	"github.com/balance-ledger/internal/types"
	"github.com/gorilla/mux"
)

// BalanceServiceInterface defines the interface for balance engine operations
type BalanceServiceInterface interface {
	Refresh(ctx context.Context, subjects []types.SubjectID) error
	GetBalance(ctx context.Context, subject types.SubjectID) (int64, error)
	GetBalances(ctx context.Context, subjects []types.SubjectID) (map[types.SubjectID]int64, error)
	Invalidate(ctx context.Context, subjects []types.SubjectID) error
}

// Server represents the HTTP API server.
type Server struct {
	router         *mux.Router
	httpServer     *http.Server
	balanceService BalanceServiceInterface
	logger         *logging.Logger
	config         *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Server    config.ServerConfig
	RateLimit config.RateLimitConfig
}

// NewServer creates a new API server instance.
func NewServer(cfg *ServerConfig, balanceService BalanceServiceInterface, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:         mux.NewRouter(),
		balanceService: balanceService,
		logger:         logger,
		config:         cfg,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Burst)

	// Middleware order matters: the request id must exist before logging.
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Balance endpoints
	api.HandleFunc("/subjects/{id}/balance", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/balances/query", s.handleQueryBalances).Methods("POST")

	// Snapshot lifecycle endpoints
	api.HandleFunc("/balances/refresh", s.handleRefresh).Methods("POST")
	api.HandleFunc("/balances", s.handleInvalidate).Methods("DELETE")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "balance-ledger",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the router, used by tests.
func (s *Server) Router() *mux.Router {
	return s.router
}
