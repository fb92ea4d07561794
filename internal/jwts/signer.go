package jwts

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"eventbroker/internal/config"
	"eventbroker/internal/types"
)

// TokenType is the "typ" header RFC 8417 recommends for SETs.
const TokenType = "secevent+jwt"

// Signer produces RS256-signed SETs. It holds no mutable state and is safe for
// concurrent use.
type Signer struct {
	issuer string
	ttl    time.Duration
	kid    string
	key    *rsa.PrivateKey
	clock  types.Clock
	newID  func() string
}

// NewSigner parses the JWK in cfg.Key and proves it can sign by producing and
// verifying a probe token.
func NewSigner(cfg config.OpenIDConfig, clock types.Clock) (*Signer, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("jwts: issuer is required")
	}
	if cfg.TokenTTL <= 0 {
		return nil, errors.New("jwts: token ttl must be positive")
	}

	var jwk jose.JSONWebKey
	if err := json.Unmarshal([]byte(cfg.Key.Unmask()), &jwk); err != nil {
		return nil, fmt.Errorf("jwts: parse signing key: %w", err)
	}
	priv, ok := jwk.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("jwts: signing key must be an RSA private key, got %T", jwk.Key)
	}
	if jwk.KeyID == "" {
		return nil, errors.New("jwts: signing key has no kid")
	}
	if clock == nil {
		clock = types.RealClock{}
	}

	s := &Signer{
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		kid:    jwk.KeyID,
		key:    priv,
		clock:  clock,
		newID:  uuid.NewString,
	}
	if err := s.probe(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Signer) probe() error {
	token, err := s.Sign(AccountDeletion{Target{ClientID: "probe", UID: "probe"}})
	if err != nil {
		return fmt.Errorf("jwts: probe sign: %w", err)
	}
	_, err = jwt.Parse(token, func(*jwt.Token) (any, error) { return &s.key.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return fmt.Errorf("jwts: probe verify: %w", err)
	}
	return nil
}

// KeyID returns the kid placed in every token header.
func (s *Signer) KeyID() string { return s.kid }

// Sign returns the compact serialization of a SET for ev.
func (s *Signer) Sign(ev SecurityEvent) (string, error) {
	if ev == nil {
		return "", errors.New("jwts: nil event")
	}
	t := ev.target()
	now := s.clock.Now()

	claims := jwt.MapClaims{
		"iss": s.issuer,
		"aud": t.ClientID,
		"sub": t.UID,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
		"jti": s.newID(),
		"events": map[string]any{
			ev.uri(): ev.claims(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["typ"] = TokenType
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("jwts: sign %s: %w", ev.uri(), err)
	}
	return signed, nil
}

// PublicJWKS returns the verification key set relying parties fetch to check
// SET signatures.
func (s *Signer) PublicJWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     s.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
}
