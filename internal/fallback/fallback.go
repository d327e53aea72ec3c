// Package fallback writes the static responses returned when a request is
// not, or cannot be, served by its upstream.
package fallback

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/microbank/gateway/internal/errors"
	"github.com/microbank/gateway/internal/router"
)

// Reason identifies why a request was answered by the gateway itself.
type Reason int

const (
	ReasonRouteNotFound Reason = iota
	ReasonUnauthenticated
	ReasonForbidden
	ReasonRateLimited
	ReasonCircuitOpen
	ReasonUpstreamTimeout
	ReasonUpstreamError
)

var reasonNames = map[Reason]string{
	ReasonRouteNotFound:   "route_not_found",
	ReasonUnauthenticated: "unauthenticated",
	ReasonForbidden:       "forbidden",
	ReasonRateLimited:     "rate_limited",
	ReasonCircuitOpen:     "circuit_open",
	ReasonUpstreamTimeout: "upstream_timeout",
	ReasonUpstreamError:   "upstream_error",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// base returns the default error for a reason.
func (r Reason) base() *errors.GatewayError {
	switch r {
	case ReasonRouteNotFound:
		return errors.ErrNotFound
	case ReasonUnauthenticated:
		return errors.ErrUnauthorized
	case ReasonForbidden:
		return errors.ErrForbidden
	case ReasonRateLimited:
		return errors.ErrTooManyRequests
	default:
		return errors.ErrServiceUnavailable
	}
}

// Status returns the HTTP status written for a reason.
func (r Reason) Status() int {
	return r.base().Code
}

// ParseReason maps a reason name back to its value.
func ParseReason(name string) (Reason, bool) {
	for r, n := range reasonNames {
		if n == name {
			return r, true
		}
	}
	return 0, false
}

// Dispatcher renders fallback responses. It never calls an upstream and
// never exposes internal error text.
type Dispatcher struct {
	header   string
	messages map[Reason]*errors.GatewayError
}

// New creates a Dispatcher that stamps correlation ids into header.
// messages overrides the default body per reason name.
func New(header string, messages map[string]string) (*Dispatcher, error) {
	d := &Dispatcher{
		header:   header,
		messages: make(map[Reason]*errors.GatewayError, len(messages)),
	}
	for name, msg := range messages {
		r, ok := ParseReason(name)
		if !ok {
			return nil, fmt.Errorf("unknown fallback reason %q (valid: %s)", name, strings.Join(reasonList(), ", "))
		}
		d.messages[r] = r.base().WithMessage(msg)
	}
	return d, nil
}

// Respond writes the fallback response for reason. route may be nil when no
// route matched. A 503 uses the route's fallback message when it has one.
// Rate-limited responses carry Retry-After, defaulting to one second when the
// caller has not already set it.
func (d *Dispatcher) Respond(w http.ResponseWriter, reason Reason, route *router.Route, correlationID string) {
	h := w.Header()
	if correlationID != "" && d.header != "" {
		h.Set(d.header, correlationID)
	}

	switch reason {
	case ReasonUnauthenticated:
		h.Set("WWW-Authenticate", `Bearer realm="gateway"`)
	case ReasonRateLimited:
		if h.Get("Retry-After") == "" {
			h.Set("Retry-After", "1")
		}
	}

	d.errorFor(reason, route).WriteJSON(w)
}

func (d *Dispatcher) errorFor(reason Reason, route *router.Route) *errors.GatewayError {
	base := reason.base()
	if base.Code == http.StatusServiceUnavailable && route != nil && route.FallbackMessage != "" {
		return base.WithMessage(route.FallbackMessage)
	}
	if e, ok := d.messages[reason]; ok {
		return e
	}
	return base
}

func reasonList() []string {
	names := make([]string, 0, len(reasonNames))
	for _, n := range reasonNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
