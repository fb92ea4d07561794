package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"eventbroker/internal/config"
	"eventbroker/internal/jwts"
	"eventbroker/internal/types"
)

func newRealSigner(t *testing.T) (*jwts.Signer, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	raw, err := json.Marshal(jose.JSONWebKey{Key: priv, KeyID: "proxy-test", Algorithm: "RS256", Use: "sig"})
	require.NoError(t, err)

	s, err := jwts.NewSigner(config.OpenIDConfig{
		Issuer:   "https://accounts.test.local",
		Key:      config.SecretString(raw),
		TokenTTL: 10 * time.Minute,
	}, types.FixedClock{T: testNow})
	require.NoError(t, err)
	return s, &priv.PublicKey
}

func verifySET(t *testing.T, token string, pub *rsa.PublicKey) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	return claims
}

func audience(claims jwt.MapClaims) string {
	aud, _ := claims.GetAudience()
	if len(aud) == 0 {
		return ""
	}
	return aud[0]
}
