package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// ResponseTimeHeader reports the gateway-side handling time in milliseconds.
const ResponseTimeHeader = "X-Response-Time"

// ResponseTime stamps every response with the time spent until its headers
// were written.
func ResponseTime() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			hw := acquireHookWriter(w, func(h http.Header) {
				ms := float64(time.Since(start).Microseconds()) / 1000
				h.Set(ResponseTimeHeader, strconv.FormatFloat(ms, 'f', 3, 64)+"ms")
			})
			defer releaseHookWriter(hw)

			next.ServeHTTP(hw, r)
			hw.finish()
		})
	}
}
