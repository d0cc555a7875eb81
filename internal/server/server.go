/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server exposes the acquisition engine over HTTP: experiment
// launch and control, status queries, and the in-memory log buffer.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/lumen_scope/internal/config"
	"github.com/friendsincode/lumen_scope/internal/events"
	"github.com/friendsincode/lumen_scope/internal/group"
	"github.com/friendsincode/lumen_scope/internal/logbuffer"
	"github.com/friendsincode/lumen_scope/internal/telemetry"
	"github.com/friendsincode/lumen_scope/internal/version"
)

// Server bundles the HTTP API and its collaborators.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server

	coord     *group.Coordinator
	db        *gorm.DB
	bus       *events.Bus
	logBuffer *logbuffer.Buffer
	updates   *version.Checker

	closers []func() error
}

// New constructs the server and wires dependencies. db may be nil for
// in-memory operation; updates may be nil when update checking is disabled.
func New(cfg *config.Config, coord *group.Coordinator, database *gorm.DB, bus *events.Bus, logBuf *logbuffer.Buffer, updates *version.Checker, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("lumen-scope-api"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(middleware.Timeout(60 * time.Second))

	srv := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		router:    router,
		coord:     coord,
		db:        database,
		bus:       bus,
		logBuffer: logBuf,
		updates:   updates,
	}

	srv.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", s.handleCreateExperiment)
			r.Get("/", s.handleListExperiments)
			r.Get("/{id}", s.handleGetExperiment)
			r.Post("/{id}/abort", s.handleAbortExperiment)
			r.Post("/{id}/pause", s.handlePauseExperiment)
			r.Post("/{id}/resume", s.handleResumeExperiment)
		})
		r.Get("/logs", s.handleQueryLogs)
		r.Get("/logs/components", s.handleLogComponents)
		r.Get("/version", s.handleVersion)
	})
}

// HTTPServer returns the configured HTTP server for lifecycle management.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Router returns the request handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// DeferClose registers a cleanup function run by Close.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close runs registered cleanup functions in reverse order.
func (s *Server) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
