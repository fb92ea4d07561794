package core

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"eventbroker/internal/types"
)

// defaultRedactedHeaders lists header names whose values are masked in request
// logs. Push requests carry an OIDC identity token in Authorization.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Proxy-Authorization",
}

// MountRoutes defines the routing hierarchy: the global middleware chain,
// the public operational endpoints, and the authenticated /v1 group.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.NotFound(s.handleNotFound)

	s.router.Get("/__heartbeat__", s.HandleHeartbeat)
	s.router.Get("/__lbheartbeat__", s.HandleHeartbeat)
	s.router.Get("/__version__", s.HandleVersion)
	s.router.Get("/health", s.HandleHealth)
	s.router.Get("/.well-known/jwks.json", s.HandleJWKS)

	s.router.Route("/v1", s.mountV1)
}

// registerGlobalMiddleware applies middleware in strict order.
//
// Ordering Rationale:
//  1. Recoverer        - Catches panics; outermost to catch all failures.
//  2. RequestID        - Generates/propagates correlation ID.
//  3. SecurityHeaders  - Every response carries them, errors included.
//  4. Tracing          - Server span; the logger and metrics run inside it.
//  5. RequestLogger    - Structured logging (redacted headers).
//  6. Metrics          - Request latency and count recording.
//  7. Decompress       - Inflates gzip/zstd bodies before handlers decode them.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(s.TracingMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.MetricsMiddleware)
	s.router.Use(DecompressMiddleware(maxRequestBodySize))
}

// mountV1 registers the authenticated endpoints. Domain handler routes come
// from V1RouteRegistrars, populated by the entry point, which avoids import
// cycles between core and handler packages.
func (s *Server) mountV1(r chi.Router) {
	r.Use(s.AuthMiddleware)
	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "route not found", nil))
}

// RequestIDMiddleware reuses an inbound X-Request-Id or generates one, stores
// it in the context and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandleHeartbeat answers liveness probes. It performs no dependency checks;
// /health does that.
func (s *Server) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, struct{}{})
}

type versionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Source  string `json:"source"`
	Build   string `json:"build"`
}

// HandleVersion serves the build metadata injected at link time.
func (s *Server) HandleVersion(w http.ResponseWriter, r *http.Request) {
	b := s.Config.Build
	JSON(w, r, http.StatusOK, versionResponse{
		Version: b.Version,
		Commit:  b.Commit,
		Source:  b.Source,
		Build:   b.BuildTime,
	})
}

// HandleJWKS publishes the public SET signing keys so relying parties can
// verify the tokens they receive.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	if s.Keys == nil {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "no signing keys published", nil))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	JSON(w, r, http.StatusOK, s.Keys.PublicJWKS())
}
