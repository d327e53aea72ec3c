package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/microbank/gateway/internal/errors"
	"github.com/microbank/gateway/internal/logging"
	"go.uber.org/zap"
)

// Recovery turns a handler panic into a 500 with the standard message body.
// The panic value and stack are logged, never returned to the caller.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logging.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("correlation_id", CorrelationID(r)),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.ErrInternalServer.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
