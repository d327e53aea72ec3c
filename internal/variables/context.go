package variables

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/microbank/gateway/internal/router"
)

// Context is the per-request state shared by the gateway pipeline. It is
// created when a request enters and discarded once the response is written.
type Context struct {
	CorrelationID string
	Method        string
	Path          string
	ClientIP      string // direct peer until resolved through trusted proxies
	Route         *router.Route
	CallerRoles   []string
	Subject       string
	StartTime     time.Time

	// Filled by the dispatcher
	UpstreamAddr string
	Attempts     int
	Status       int
}

// NewContext creates a new request context
func NewContext(r *http.Request) *Context {
	return &Context{
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  RemoteHost(r),
		StartTime: time.Now(),
	}
}

// RouteID returns the matched route's ID, or "" before matching.
func (c *Context) RouteID() string {
	if c.Route == nil {
		return ""
	}
	return c.Route.ID
}

// HasRole reports whether the caller holds role.
func (c *Context) HasRole(role string) bool {
	for _, r := range c.CallerRoles {
		if r == role {
			return true
		}
	}
	return false
}

// RequestContextKey is the context key for storing the request context
type RequestContextKey struct{}

// WithContext returns a copy of r carrying vc.
func WithContext(r *http.Request, vc *Context) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), RequestContextKey{}, vc))
}

// FromContext extracts the request context from ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	vc, ok := ctx.Value(RequestContextKey{}).(*Context)
	return vc, ok
}

// GetFromRequest extracts the request context from an HTTP request, creating
// a detached one if the request has none.
func GetFromRequest(r *http.Request) *Context {
	if vc, ok := FromContext(r.Context()); ok {
		return vc
	}
	return NewContext(r)
}

// RemoteHost returns the host part of the request's direct peer address.
func RemoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
