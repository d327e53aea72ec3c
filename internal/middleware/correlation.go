package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/microbank/gateway/internal/variables"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// DefaultCorrelationHeader is used when no header name is configured.
const DefaultCorrelationHeader = "X-Correlation-Id"

// CorrelationConfig configures the correlation id middleware
type CorrelationConfig struct {
	// Header carries the correlation id in both directions
	Header string
	// Generator generates a new id when the caller sent none
	Generator func() string
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// Correlation creates a correlation id middleware. An inbound id is adopted
// verbatim; otherwise a UUIDv4 is generated. The id is written back onto the
// request headers so it is forwarded upstream, stored in the request context,
// and attached to the response unless the response already carries one.
func Correlation(cfg CorrelationConfig) Middleware {
	if cfg.Header == "" {
		cfg.Header = DefaultCorrelationHeader
	}
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}
	header := http.CanonicalHeaderKey(cfg.Header)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if id == "" {
				id = cfg.Generator()
			}
			r.Header.Set(header, id)

			vc, ok := variables.FromContext(r.Context())
			if !ok {
				vc = variables.NewContext(r)
				r = variables.WithContext(r, vc)
			}
			vc.CorrelationID = id

			hw := acquireHookWriter(w, func(h http.Header) {
				if h.Get(header) == "" {
					h.Set(header, id)
				}
			})
			defer releaseHookWriter(hw)

			next.ServeHTTP(hw, r)
			hw.finish()
		})
	}
}

// CorrelationID returns the correlation id stored on the request, if any.
func CorrelationID(r *http.Request) string {
	if vc, ok := variables.FromContext(r.Context()); ok {
		return vc.CorrelationID
	}
	return ""
}
