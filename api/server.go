// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package api serves the HTTP surface of the bridge: health and readiness
// probes, Prometheus metrics, and a JSON API to inspect devices and run
// entity commands.
//
// # Routes
//
//	GET  /health                                liveness
//	GET  /ready                                 readiness (503 until ready)
//	GET  /metrics                               Prometheus exposition
//	GET  /api/devices                           device summaries
//	GET  /api/devices/{id}                      one device summary
//	GET  /api/devices/{id}/entities             entity info and state
//	POST /api/devices/{id}/refresh              poll now
//	POST /api/devices/{id}/entities/{entity}    run a command
//
// Every request carries an X-Request-ID (generated when absent) that is
// echoed in the response and in log lines.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soothill/miio-bridge/pkg/interfaces"
	"github.com/soothill/miio-bridge/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	readinessCheckTimeout = 2 * time.Second
	commandTimeout        = 30 * time.Second
	maxBodyBytes          = 64 * 1024
)

// ReadyFunc reports whether the bridge is ready to serve.
type ReadyFunc func(ctx context.Context) error

// Options configures the server.
type Options struct {
	Address     string
	RateLimit   float64 // requests per second across the API; 0 disables
	RateBurst   int
	CORSOrigins []string
	Ready       ReadyFunc
}

// Server is the HTTP surface.
type Server struct {
	registry interfaces.DeviceRegistry
	ready    ReadyFunc
	router   chi.Router
	server   *http.Server
}

// New creates a server over registry.
func New(registry interfaces.DeviceRegistry, opts Options) *Server {
	s := &Server{
		registry: registry,
		ready:    opts.Ready,
		router:   chi.NewRouter(),
	}
	s.setupRoutes(opts)

	s.server = &http.Server{
		Addr:              opts.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      commandTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(opts Options) {
	s.router.Use(requestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	if len(opts.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", requestIDHeader},
			ExposedHeaders: []string{requestIDHeader},
			MaxAge:         300,
		}))
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(rateLimit(rate.NewLimiter(10, 20)))
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
	})
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/devices", func(r chi.Router) {
		if limiter != nil {
			r.Use(rateLimit(limiter))
		}
		r.Get("/", s.handleListDevices)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Post("/refresh", s.handleRefresh)
			r.Get("/entities", s.handleListEntities)
			r.Post("/entities/{entity}", s.handleCommand)
		})
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
