// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"stagepool/internal/controller/handlers"
	"stagepool/internal/controller/middleware"
)

// Options configures the controller server.
type Options struct {
	Addr           string
	APIKey         string
	RateLimitRPS   float64
	RateLimitBurst int
	MetricsHandler http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(opts Options, store handlers.StoreFactory) *Server {
	h := handlers.New(store)
	authMW := middleware.APIKeyAuth(opts.APIKey)
	rateMW := middleware.RateLimit(opts.RateLimitRPS, opts.RateLimitBurst)

	authed := func(hf http.HandlerFunc) http.Handler {
		return rateMW(authMW(hf))
	}

	mux := http.NewServeMux()

	mux.Handle("POST /jobs", authed(h.SubmitJob))
	mux.Handle("GET /jobs", authed(h.ListJobs))
	mux.Handle("GET /jobs/{id}", authed(h.GetJob))
	mux.Handle("POST /jobs/{id}/cancel", authed(h.CancelJob))
	mux.Handle("GET /environments", authed(h.ListEnvironments))

	// Probes and metrics stay unauthenticated for the orchestrator
	// and the scraper.
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
