// Package pubsub authenticates Google Pub/Sub push deliveries. Pub/Sub signs
// each push with a Google-issued OIDC ID token carried as a Bearer token.
package pubsub

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"eventbroker/internal/config"
	"eventbroker/internal/metrics"
	"eventbroker/internal/types"
)

// Leeway applied to exp/iat checks for clock skew with Google.
const clockLeeway = 30 * time.Second

// googleClaims are the ID token claims Pub/Sub push tokens carry.
type googleClaims struct {
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates inbound push requests. It keeps no per-request
// state and is safe for concurrent use.
type Authenticator struct {
	cfg     config.PubSubConfig
	keys    KeySource
	logger  *slog.Logger
	metrics metrics.Recorder
	clock   types.Clock
}

// NewAuthenticator returns an Authenticator for cfg. keys may be nil only when
// authentication is disabled.
func NewAuthenticator(cfg config.PubSubConfig, keys KeySource, rec metrics.Recorder, logger *slog.Logger, clock types.Clock) (*Authenticator, error) {
	if cfg.Authenticate {
		if keys == nil {
			return nil, errors.New("pubsub: key source is required when authentication is enabled")
		}
		if cfg.Audience == "" {
			return nil, errors.New("pubsub: audience is required when authentication is enabled")
		}
		if len(cfg.Issuers) == 0 {
			return nil, errors.New("pubsub: at least one issuer is required")
		}
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Authenticator{cfg: cfg, keys: keys, logger: logger, metrics: rec, clock: clock}, nil
}

// Authenticate checks r and returns the caller. Every failure is the same
// 401 AppError; the actual reason only reaches the log.
func (a *Authenticator) Authenticate(r *http.Request) (*types.Principal, error) {
	raw, hasToken := bearerToken(r.Header.Get("Authorization"))

	if !a.cfg.Authenticate {
		if !hasToken {
			return &types.Principal{}, nil
		}
		claims := &googleClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return nil, a.reject(r, "malformed bearer token", err)
		}
		return principalFrom(claims, false), nil
	}

	if want := a.cfg.VerificationToken.Unmask(); want != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return nil, a.reject(r, "verification token mismatch", nil)
		}
	}
	if !hasToken {
		return nil, a.reject(r, "missing bearer token", nil)
	}

	claims := &googleClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token header has no kid")
			}
			return a.keys.Key(r.Context(), kid)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil {
		return nil, a.reject(r, "token verification failed", err)
	}
	if !slices.Contains(a.cfg.Issuers, claims.Issuer) {
		return nil, a.reject(r, "untrusted issuer", fmt.Errorf("issuer %q", claims.Issuer))
	}

	return principalFrom(claims, true), nil
}

func (a *Authenticator) reject(r *http.Request, reason string, err error) error {
	args := []any{
		"reason", reason,
		"path", r.URL.Path,
		"request_id", types.GetRequestID(r.Context()),
	}
	if err != nil {
		args = append(args, "error", err.Error())
	}
	a.logger.Warn("pubsub push rejected", args...)
	a.metrics.Count(types.MetricAuthFailure, 1)
	return types.NewAppError(types.ErrCodeAuthTokenInvalid, "unauthorized", nil)
}

func principalFrom(c *googleClaims, verified bool) *types.Principal {
	return &types.Principal{
		Subject:  c.Subject,
		Email:    c.Email,
		Issuer:   c.Issuer,
		Verified: verified,
	}
}

// bearerToken extracts the token from an Authorization header. The scheme
// match is case-insensitive per RFC 7235.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
