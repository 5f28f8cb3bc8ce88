package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the karte HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Dependency optionality matches HandlersDeps.
type ServerConfig struct {
	Handlers HandlersDeps

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Handlers)
	logger := cfg.Handlers.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	// Text-to-SQL surface.
	mux.HandleFunc("POST /query/oneshot", h.HandleOneshot)
	mux.HandleFunc("POST /query/run", h.HandleRun)
	mux.HandleFunc("GET /query/get", h.HandleGetQuery)
	mux.HandleFunc("GET /query/demo/questions", h.HandleDemoQuestions)

	// Visualization surface.
	mux.HandleFunc("POST /visualize", h.HandleVisualize)

	// Cohort surface.
	mux.HandleFunc("POST /cohort/simulate", h.HandleCohortSimulate)
	mux.HandleFunc("POST /cohort/sql", h.HandleCohortSQL)
	mux.HandleFunc("GET /cohort/saved", h.HandleSavedList)
	mux.HandleFunc("POST /cohort/saved", h.HandleSavedSave)
	mux.HandleFunc("GET /cohort/saved/{name}", h.HandleSavedGet)
	mux.HandleFunc("DELETE /cohort/saved/{name}", h.HandleSavedDelete)
	mux.HandleFunc("POST /cohort/pdf", h.HandlePDFCohort)

	// Audit surface.
	mux.HandleFunc("GET /audit/logs", h.HandleAuditLogs)

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = loggingMiddleware(logger, handler)
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
		handler:  handler,
		handlers: h,
		logger:   logger,
	}
}

// securityHeadersMiddleware sets the baseline hardening headers on every
// response.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
