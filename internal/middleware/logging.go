package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/microbank/gateway/internal/logging"
	"github.com/microbank/gateway/internal/variables"
	"go.uber.org/zap"
)

var loggingRWPool = sync.Pool{
	New: func() any { return &loggingResponseWriter{} },
}

// AccessLogConfig configures the access log middleware
type AccessLogConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
	// Logger overrides the global logger
	Logger *zap.Logger
}

// AccessLog logs one structured line per request once the response is written.
func AccessLog(cfg AccessLogConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			lrw := loggingRWPool.Get().(*loggingResponseWriter)
			lrw.ResponseWriter = w
			lrw.status = http.StatusOK
			lrw.bytes = 0

			next.ServeHTTP(lrw, r)

			duration := time.Since(start)
			vc := variables.GetFromRequest(r)
			vc.Status = lrw.status

			// Stack-allocated array avoids slice growth allocations.
			var fields [11]zap.Field
			n := 0
			fields[n] = zap.String("correlation_id", vc.CorrelationID); n++
			fields[n] = zap.String("remote_addr", vc.ClientIP); n++
			fields[n] = zap.String("method", r.Method); n++
			fields[n] = zap.String("path", r.URL.Path); n++
			fields[n] = zap.Int("status", lrw.status); n++
			fields[n] = zap.Int64("body_bytes", lrw.bytes); n++
			fields[n] = zap.Duration("response_time", duration); n++
			if id := vc.RouteID(); id != "" {
				fields[n] = zap.String("route", id); n++
			}
			if vc.UpstreamAddr != "" {
				fields[n] = zap.String("upstream_addr", vc.UpstreamAddr); n++
			}
			if vc.Attempts > 1 {
				fields[n] = zap.Int("attempts", vc.Attempts); n++
			}
			if vc.Subject != "" {
				fields[n] = zap.String("subject", vc.Subject); n++
			}

			logger := cfg.Logger
			if logger == nil {
				logger = logging.Global()
			}
			logger.Info("HTTP request", fields[:n]...)

			lrw.ResponseWriter = nil
			loggingRWPool.Put(lrw)
		})
	}
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and bytes
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (lrw *loggingResponseWriter) WriteHeader(status int) {
	lrw.status = status
	lrw.ResponseWriter.WriteHeader(status)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
