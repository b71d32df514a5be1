// Package server implements the Stowage local HTTP API: provider
// management, bucket and object operations, upload runs and history.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stowage/stowage/internal/config"
	"github.com/stowage/stowage/internal/metadata"
	"github.com/stowage/stowage/internal/service"
	"github.com/stowage/stowage/internal/upload"
)

// Server is the Stowage HTTP server. Every route except /health, /metrics
// and the API documentation lives under /api.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	svc        *service.Service
	store      metadata.Store
	uploads    *upload.Orchestrator
	httpServer *http.Server

	// runs is the parent context of background upload runs. Shutdown
	// cancels it so in-flight runs settle their history rows.
	runs     context.Context
	stopRuns context.CancelFunc
	running  sync.WaitGroup
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// New creates a Server and wires up every route on a Chi router with a
// Huma API on top.
func New(cfg *config.Config, svc *service.Service, uploads *upload.Orchestrator) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("Stowage API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	runs, stop := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		router:   router,
		api:      api,
		svc:      svc,
		store:    svc.Store(),
		uploads:  uploads,
		runs:     runs,
		stopRuns: stop,
	}
	s.registerRoutes()
	return s
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> bearerAuth -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = bearerAuth(s.cfg.Server.Token)(handler)
	handler = commonHeaders(handler)
	if s.cfg.MetricsEnabled() {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown cancels running uploads and gracefully shuts down the HTTP
// server. It waits, within the context deadline, for in-flight requests
// and for the cancelled runs to settle their history rows.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopRuns()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	settled := make(chan struct{})
	go func() {
		s.running.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports whether the metadata store is reachable.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		if err := s.store.Ping(ctx); err != nil {
			return nil, huma.Error503ServiceUnavailable("metadata store unavailable", err)
		}
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	if s.cfg.MetricsEnabled() {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.registerProviderRoutes()
	s.registerBucketRoutes()
	s.registerObjectRoutes()
	s.registerUploadRoutes()
	s.registerHistoryRoutes()
}
