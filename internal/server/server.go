// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

// Package server exposes the REST control surface and the WebSocket
// delivery channel.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nemesis-dev/nemesis/internal/dispatch"
	"github.com/nemesis-dev/nemesis/internal/feedback"
	"github.com/nemesis-dev/nemesis/internal/session"
	"github.com/nemesis-dev/nemesis/internal/tenant"
	"github.com/nemesis-dev/nemesis/internal/vector"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// Config holds HTTP server configuration. No write timeout is set on
// the listener; WebSocket connections manage their own write deadlines.
type Config struct {
	ListenAddr  string
	CORSOrigins []string
	ReadTimeout time.Duration
}

// Deps are the subsystems the handlers delegate to.
type Deps struct {
	Tenants     *tenant.Manager
	Vectors     *vector.Store
	Retention   *vector.Retention
	Sessions    *session.Registry
	Coordinator *dispatch.Coordinator
	Aggregator  *feedback.Aggregator
	Logger      *slog.Logger
}

// Server wraps a chi router over the Nemesis subsystems.
type Server struct {
	router chi.Router
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a Server with routing, CORS, and panic recovery wired.
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, nemerr.New(nemerr.CodeServerStartFailure, "listen address is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	s := &Server{
		router: r,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "server"),
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nemerr.Wrapf(err, nemerr.CodeServerStartFailure, "listening on %s", s.cfg.ListenAddr)
	}

	srv := &http.Server{
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout,
	}

	s.logger.Info("server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return nemerr.Wrap(err, nemerr.CodeServerInternalFailure, "shutting down")
	}

	return <-errCh
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
