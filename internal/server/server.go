package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/folio/internal/ratelimit"
	"github.com/ashita-ai/folio/internal/service/versions"
)

// Server is the folio HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Runner, Broker, MCPServer, Limiter.
type ServerConfig struct {
	// Required dependencies.
	Versions *versions.Service
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Runner    Runner
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// Limiter throttles commits and pipeline runs per client IP. Nil disables it.
	Limiter ratelimit.Limiter

	// IndexName labels the search index in /health.
	IndexName string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Versions:            cfg.Versions,
		Runner:              cfg.Runner,
		Broker:              cfg.Broker,
		IndexName:           cfg.IndexName,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()
	limited := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, cfg.Logger)

	// Versions.
	mux.Handle("POST /v1/documents/{document_id}/versions", limited(http.HandlerFunc(h.HandleCommit)))
	mux.HandleFunc("GET /v1/documents/{document_id}/versions", h.HandleListVersions)
	mux.HandleFunc("GET /v1/documents/{document_id}/versions/{version_number}", h.HandleGetVersion)
	mux.HandleFunc("GET /v1/documents/{document_id}/best", h.HandleBestVersion)

	// Search.
	mux.HandleFunc("POST /v1/documents/{document_id}/search", h.HandleSearch)

	// Pipeline runs.
	mux.Handle("POST /v1/runs", limited(http.HandlerFunc(h.HandleCreateRun)))

	// Version notifications (long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
