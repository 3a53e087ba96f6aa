// Package server implements the chunkvault HTTP server: the RPC routes, the
// health, metrics and docs endpoints, and the middleware chain.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/chunkvault/internal/auth"
	"github.com/bleepstore/chunkvault/internal/config"
	"github.com/bleepstore/chunkvault/internal/engine"
	storeerr "github.com/bleepstore/chunkvault/internal/errors"
	"github.com/bleepstore/chunkvault/internal/handlers"
	"github.com/bleepstore/chunkvault/internal/wire"
)

// Server is the chunkvault HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	service    *handlers.Service
	verifier   *auth.SigV4Verifier
	health     func(context.Context) error
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithHealthCheck makes /health report 503 while check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) {
		s.health = check
	}
}

// WithLogger sets the server logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New wires the RPC methods of e onto a chi router with a huma API.
func New(cfg *config.Config, e *engine.Engine, opts ...Option) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("chunkvault RPC API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.service = handlers.NewService(e, s.logger)
	if cfg.Auth.Enabled {
		s.verifier = auth.NewSigV4Verifier(cfg.Auth.Credentials, cfg.Server.Region)
	}

	s.registerRoutes()
	return s, nil
}

// Service returns the RPC method table, for in-process callers.
func (s *Server) Service() *handlers.Service {
	return s.service
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> authMiddleware -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	if s.verifier != nil {
		handler = auth.Middleware(s.verifier)(handler)
	}
	handler = commonHeaders(handler)
	if s.cfg.Metrics.Enabled {
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

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns ok while the metadata store answers.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		if s.health != nil {
			if err := s.health(ctx); err != nil {
				s.logger.Warn("health check failed", "error", err)
				return nil, huma.Error503ServiceUnavailable("metadata store unavailable")
			}
		}
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if s.health != nil && s.health(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.service.Register(s.api)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/") {
			wire.WriteError(w, r, storeerr.NotImplemented())
			return
		}
		wire.WriteError(w, r, storeerr.NotFound(r.URL.Path))
	})
}
