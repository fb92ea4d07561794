package proxy

import (
	"net/http"
	"strings"
)

// Headers that describe the hop between the webhook and the broker, not the
// response itself. Content-Length is recomputed when the body is written.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// RelayHeaders returns the subset of src that is safe to copy onto the
// inbound response. Empty values are skipped; multi-valued headers stay
// repeated. Headers named by a Connection header are dropped too.
func RelayHeaders(src http.Header) http.Header {
	connectionScoped := map[string]struct{}{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				connectionScoped[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}

	out := make(http.Header, len(src))
	for name, values := range src {
		key := http.CanonicalHeaderKey(name)
		if _, hop := hopHeaders[key]; hop {
			continue
		}
		if _, scoped := connectionScoped[key]; scoped {
			continue
		}
		for _, v := range values {
			if v == "" {
				continue
			}
			out[key] = append(out[key], v)
		}
	}
	return out
}
