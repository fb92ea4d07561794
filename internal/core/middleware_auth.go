package core

import (
	"errors"
	"log/slog"
	"net/http"

	"eventbroker/internal/types"
)

// AuthMiddleware guards the /v1 group.
//
//  1. Calls Authenticator.Authenticate on the inbound request.
//  2. Injects the Principal into the request context via types.WithPrincipal.
//  3. Returns 401 Unauthorized with the uniform auth_token_invalid envelope
//     on any failure. The authenticator has already logged the reason.
//
// If the Authenticator field on Server is nil (e.g., during tests that don't
// inject one), the middleware passes through without authentication.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := s.Authenticator.Authenticate(r)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if principal == nil {
			s.writeAuthError(w, r)
			return
		}

		ctx := types.WithPrincipal(r.Context(), *principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleAuthError maps an Authenticate failure to the 401 envelope. A
// non-AppError is unexpected and logged at Error; either way the client sees
// the same response.
func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		s.Logger.Error("authentication failed: unexpected error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	s.writeAuthError(w, r)
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="event-broker"`)
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodeAuthTokenInvalid),
			Message:   "unauthorized",
			RequestID: types.GetRequestID(r.Context()),
		},
	}
	JSON(w, r, http.StatusUnauthorized, resp)
}
