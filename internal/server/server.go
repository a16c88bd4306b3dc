// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the model orchestrator over a REST API plus a
// WebSocket event stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"modelfetch/pkg/modelfetch"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	Port           int
	AllowedOrigins []string // CORS origins
	Version        string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:    "0.0.0.0",
		Port:    8080,
		Version: "dev",
	}
}

// Server is the HTTP front end over an Orchestrator.
type Server struct {
	config     Config
	httpServer *http.Server
	orch       *modelfetch.Orchestrator
	wsHub      *WSHub
	log        *zap.Logger
}

// New wraps an orchestrator in an HTTP server. The orchestrator's lifecycle
// belongs to the caller; the server only reads from it and never calls
// Cleanup.
func New(cfg Config, orch *modelfetch.Orchestrator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		config: cfg,
		orch:   orch,
		wsHub:  NewWSHub(log),
		log:    log.Named("server"),
	}
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled or
// the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.wsHub.Run(ctx)
	go s.bridgeEvents(ctx)

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("server starting",
		zap.String("addr", addr),
		zap.String("api", fmt.Sprintf("http://localhost:%d/api", s.config.Port)))

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// registerAPIRoutes sets up all API endpoints. Job names contain slashes
// (registry repo ids), so job routes use a trailing wildcard.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/search", s.handleSearch)

	mux.HandleFunc("POST /api/download", s.handleStartDownload)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/jobs/cleanup", s.handleCleanupJobs)
	mux.HandleFunc("GET /api/jobs/{name...}", s.handleGetJob)
	mux.HandleFunc("DELETE /api/jobs/{name...}", s.handleCancelJob)

	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// bridgeEvents forwards orchestrator lifecycle events to WebSocket clients.
func (s *Server) bridgeEvents(ctx context.Context) {
	events := s.orch.Subscribe()
	defer s.orch.Unsubscribe(events)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.wsHub.BroadcastEvent(ev)
		}
	}
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			allowed := false
			if len(s.config.AllowedOrigins) == 0 {
				allowed = true
			} else {
				for _, o := range s.config.AllowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
