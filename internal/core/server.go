// Package core provides the HTTP chassis for the event broker. It owns the
// chi router, the middleware chain, the JSON response and error envelopes,
// and the operational endpoints (heartbeats, version, health, JWKS).
// Domain handlers are mounted on the authenticated /v1 group through
// V1RouteRegistrars so core never imports them.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"eventbroker/internal/config"
	"eventbroker/internal/observability"
)

// MetricsCollector defines the interface for recording API telemetry.
// Implementations record request latency and count metrics to CloudWatch
// or equivalent backends.
type MetricsCollector interface {
	// RecordRequest records API request metrics including latency and count.
	// Uses metric constants MetricAPILatency and MetricAPIRequestCount
	// from the types package.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Server encapsulates all dependencies of the HTTP surface, allowing for easy
// injection during testing.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator // Verifies push credentials; nil disables the check.
	Tracer        *observability.Tracer
	Keys          KeySetPublisher
	HealthProbes  []HealthProbe

	// V1RouteRegistrars mount domain handlers on the authenticated /v1 group.
	V1RouteRegistrars []func(chi.Router)

	// Closers run in order during Shutdown.
	Closers []func(context.Context) error

	router *chi.Mux
}

// NewServer initializes dependencies and prepares the router. The caller
// mounts routes (MountRoutes) after injecting optional dependencies.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		Tracer:    observability.NewTracer(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases resources registered in Closers, such as the metrics
// buffer and the database pool. All closers run; the first error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, closeFn := range s.Closers {
		if err := closeFn(ctx); err != nil {
			s.Logger.Error("error during shutdown", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown: %w", err)
			}
		}
	}

	s.Logger.Info("server shutdown complete")
	return firstErr
}
