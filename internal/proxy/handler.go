package proxy

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"eventbroker/internal/core"
	"eventbroker/internal/types"
)

// Deliverer is the part of *Proxy the HTTP handler needs.
type Deliverer interface {
	Deliver(ctx context.Context, clientID string, env types.PushEnvelope) (*Outcome, error)
}

// Handler serves the push endpoint.
type Handler struct {
	proxy     Deliverer
	validator *core.Validator
	logger    *slog.Logger
}

func NewHandler(p Deliverer, v *core.Validator, logger *slog.Logger) *Handler {
	return &Handler{proxy: p, validator: v, logger: logger}
}

// RegisterRoutes mounts the proxy endpoint on the /v1 group.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/proxy/{clientId}", h.Proxy)
}

// Proxy handles POST /v1/proxy/{clientId}. A downstream response is written
// as received; everything else goes through core.Error.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")

	var env types.PushEnvelope
	if err := core.DecodeJSON(w, r, &env); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(env); err != nil {
		core.Error(w, r, err)
		return
	}

	out, err := h.proxy.Deliver(r.Context(), clientID, env)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	WriteOutcome(w, out)
}

// WriteOutcome copies a relayed response onto w.
func WriteOutcome(w http.ResponseWriter, out *Outcome) {
	for name, values := range out.Header {
		w.Header()[name] = values
	}
	w.WriteHeader(out.StatusCode)
	if len(out.Body) > 0 {
		_, _ = w.Write(out.Body)
	}
}
