package core

import (
	"net/http"

	"github.com/go-jose/go-jose/v4"

	"eventbroker/internal/types"
)

// Authenticator decouples the HTTP layer from the push credential scheme,
// allowing for easy mocking in tests.
type Authenticator interface {
	// Authenticate inspects the inbound request and returns the caller.
	// Every rejection is a *types.AppError with an auth_* code; the reason is
	// logged by the implementation and never returned to the client.
	Authenticate(r *http.Request) (*types.Principal, error)
}

// KeySetPublisher exposes the public half of the SET signing keys.
type KeySetPublisher interface {
	PublicJWKS() jose.JSONWebKeySet
}
