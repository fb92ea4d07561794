package core

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"eventbroker/internal/types"
)

// errCodeValidationUnsupportedEncoding is returned for a Content-Encoding the
// chassis cannot inflate.
const errCodeValidationUnsupportedEncoding types.ErrorCode = "validation_unsupported_content_encoding"

// zstdDecoders provides reusable streaming decoders to avoid repeated
// allocations.
var zstdDecoders = sync.Pool{
	New: func() any {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(64<<20))
		if err != nil {
			// This should never fail with nil input and static options.
			panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
		}
		return d
	},
}

// DecompressMiddleware inflates gzip and zstd request bodies in place so
// handlers always see plain JSON. The inflated stream is capped at maxBytes,
// which bounds decompression bombs the same way DecodeJSON bounds plain
// bodies. Requests without Content-Encoding (or "identity") pass through.
func DecompressMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
			if encoding == "" || encoding == "identity" || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			var (
				body    io.Reader
				release func()
			)
			switch encoding {
			case "gzip", "x-gzip":
				zr, err := gzip.NewReader(r.Body)
				if err != nil {
					Error(w, r, types.NewAppError(errCodeValidationInvalidJSON, "malformed gzip request body", err))
					return
				}
				body, release = zr, func() { _ = zr.Close() }
			case "zstd":
				dec := zstdDecoders.Get().(*zstd.Decoder)
				if err := dec.Reset(r.Body); err != nil {
					zstdDecoders.Put(dec)
					Error(w, r, types.NewAppError(errCodeValidationInvalidJSON, "malformed zstd request body", err))
					return
				}
				body, release = dec, func() {
					_ = dec.Reset(nil)
					zstdDecoders.Put(dec)
				}
			default:
				Error(w, r, types.NewAppErrorWithDetails(errCodeValidationUnsupportedEncoding,
					"unsupported content encoding", nil, map[string]any{"encoding": encoding}))
				return
			}
			defer release()

			orig := r.Body
			r.Body = http.MaxBytesReader(w, readCloser{Reader: body, closer: orig}, maxBytes)
			r.Header.Del("Content-Encoding")
			r.Header.Del("Content-Length")
			r.ContentLength = -1

			next.ServeHTTP(w, r)
		})
	}
}

// readCloser pairs the inflating reader with the original body's Close.
type readCloser struct {
	io.Reader
	closer io.Closer
}

func (rc readCloser) Close() error { return rc.closer.Close() }
