package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/microbank/gateway/internal/config"
)

// ErrNoRoute is returned when no route matches a request.
var ErrNoRoute = errors.New("no route matches request")

// Route is an immutable path-pattern-to-upstream binding plus its policy.
type Route struct {
	ID              string
	Pattern         string
	Service         string
	Methods         map[string]bool // nil = all methods
	RequiredRoles   []string
	PublicMethods   map[string]bool
	Timeout         time.Duration
	FallbackMessage string
	CircuitBreaker  *config.CircuitBreakerConfig
	RateLimit       *config.RateLimitConfig
	Retry           *config.RetryConfig

	glob            bool
	literal         string   // pattern text before the first glob metacharacter
	segments        []string // prefix routes only
	rewritePrefix   []string
	replacement     string
	rewriteDisabled bool
	configIdx       int // declaration order for tie-breaking
}

// IsPublic reports whether the route requires no roles at all.
func (route *Route) IsPublic() bool {
	return len(route.RequiredRoles) == 0
}

// IsPublicMethod reports whether method bypasses authorization on this route.
func (route *Route) IsPublicMethod(method string) bool {
	return route.PublicMethods[method]
}

// Precedence is the length of the route's literal prefix. Longer wins.
func (route *Route) Precedence() int {
	return len(strings.TrimSuffix(route.literal, "/"))
}

func (route *Route) allowsMethod(method string) bool {
	return route.Methods == nil || route.Methods[method]
}

func (route *Route) matchesPath(path string, segments []string) bool {
	if route.glob {
		ok, err := doublestar.Match(route.Pattern, path)
		return err == nil && ok
	}
	return pathHasPrefix(segments, route.segments)
}

// RewritePath strips the route's rewrite prefix from the request path and
// prepends the configured replacement. The result always begins with "/".
func (route *Route) RewritePath(requestPath string) string {
	if route.rewriteDisabled {
		return ensureLeadingSlash(requestPath)
	}

	reqSegments := splitPath(requestPath)
	suffix := ensureLeadingSlash(requestPath)
	if pathHasPrefix(reqSegments, route.rewritePrefix) {
		suffix = "/" + strings.Join(reqSegments[len(route.rewritePrefix):], "/")
		if suffix != "/" && strings.HasSuffix(requestPath, "/") {
			suffix += "/"
		}
	}

	if route.replacement == "" || route.replacement == "/" {
		return suffix
	}
	replacement := ensureLeadingSlash(route.replacement)
	if suffix == "/" {
		return replacement
	}
	return singleJoinSlash(replacement, suffix)
}

// Table is the ordered, read-only route table. Build a new one to change routes.
type Table struct {
	ordered []*Route // by precedence, then declaration order
	byID    map[string]*Route
	all     []*Route // declaration order
}

// New compiles route configurations into a table.
func New(routes []config.RouteConfig) (*Table, error) {
	t := &Table{
		byID: make(map[string]*Route, len(routes)),
	}

	for i, rc := range routes {
		route, err := compile(rc, i)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}
		if _, dup := t.byID[route.ID]; dup {
			return nil, fmt.Errorf("duplicate route id: %s", route.ID)
		}
		t.byID[route.ID] = route
		t.all = append(t.all, route)
	}

	t.ordered = make([]*Route, len(t.all))
	copy(t.ordered, t.all)
	sort.SliceStable(t.ordered, func(i, j int) bool {
		pi, pj := t.ordered[i].Precedence(), t.ordered[j].Precedence()
		if pi != pj {
			return pi > pj
		}
		return t.ordered[i].configIdx < t.ordered[j].configIdx
	})

	return t, nil
}

func compile(rc config.RouteConfig, idx int) (*Route, error) {
	if !strings.HasPrefix(rc.Path, "/") {
		return nil, fmt.Errorf("path must start with /")
	}

	route := &Route{
		ID:              rc.ID,
		Pattern:         rc.Path,
		Service:         rc.Service,
		RequiredRoles:   rc.RequiredRoles,
		Timeout:         rc.Timeout,
		FallbackMessage: rc.FallbackMessage,
		CircuitBreaker:  rc.CircuitBreaker,
		RateLimit:       rc.RateLimit,
		Retry:           rc.Retry,
		replacement:     rc.Rewrite.Replacement,
		rewriteDisabled: rc.Rewrite.Disabled,
		configIdx:       idx,
	}

	if len(rc.Methods) > 0 {
		route.Methods = make(map[string]bool, len(rc.Methods))
		for _, m := range rc.Methods {
			route.Methods[strings.ToUpper(m)] = true
		}
	}
	if len(rc.PublicMethods) > 0 {
		route.PublicMethods = make(map[string]bool, len(rc.PublicMethods))
		for _, m := range rc.PublicMethods {
			route.PublicMethods[strings.ToUpper(m)] = true
		}
	}

	meta := strings.IndexAny(rc.Path, "*?[{\\")
	if meta >= 0 {
		if !doublestar.ValidatePattern(rc.Path) {
			return nil, fmt.Errorf("invalid path pattern: %s", rc.Path)
		}
		route.glob = true
		route.literal = rc.Path[:meta]
	} else {
		route.literal = strings.TrimSuffix(rc.Path, "/")
		route.segments = splitPath(rc.Path)
	}

	rewritePrefix := rc.Rewrite.Prefix
	if rewritePrefix == "" {
		rewritePrefix = route.literal
		if route.glob {
			rewritePrefix = literalDir(route.literal)
		}
	}
	route.rewritePrefix = splitPath(rewritePrefix)

	return route, nil
}

// Match returns the highest-precedence route whose pattern matches path and
// which accepts method.
func (t *Table) Match(path, method string) (*Route, bool) {
	segments := splitPath(path)
	for _, route := range t.ordered {
		if !route.allowsMethod(method) {
			continue
		}
		if route.matchesPath(path, segments) {
			return route, true
		}
	}
	return nil, false
}

// Get returns a route by ID
func (t *Table) Get(id string) (*Route, bool) {
	route, ok := t.byID[id]
	return route, ok
}

// Routes returns all routes in declaration order
func (t *Table) Routes() []*Route {
	result := make([]*Route, len(t.all))
	copy(result, t.all)
	return result
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.all)
}

// literalDir trims a glob literal back to its last complete path segment,
// so "/api/v*" rewrites from "/api" and "/cards/**" from "/cards".
func literalDir(literal string) string {
	if strings.HasSuffix(literal, "/") {
		return strings.TrimSuffix(literal, "/")
	}
	if i := strings.LastIndexByte(literal, '/'); i >= 0 {
		return literal[:i]
	}
	return ""
}

// singleJoinSlash joins two URL path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// pathHasPrefix checks if reqSegments starts with prefixSegments.
func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}
