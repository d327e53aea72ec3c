package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/logging"
	"github.com/microbank/gateway/internal/router"
	"go.uber.org/zap"
)

// Reason explains an authorization decision.
type Reason int

const (
	ReasonAllowed Reason = iota
	ReasonUnauthenticated
	ReasonForbidden
)

func (r Reason) String() string {
	switch r {
	case ReasonAllowed:
		return "allowed"
	case ReasonUnauthenticated:
		return "unauthenticated"
	case ReasonForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Authorize. Roles and Subject are set whenever a
// token was verified, even when the decision is Forbidden.
type Decision struct {
	Allowed bool
	Reason  Reason
	Roles   []string
	Subject string
}

// Gate verifies bearer tokens and checks the caller's roles against a route.
type Gate struct {
	verifier   TokenVerifier
	cache      *expirable.LRU[string, *Claims]
	rolesClaim string
	rolePrefix string
	now        func() time.Time
}

// NewGate creates a gate. verifier may be nil when no identity provider is
// configured; tokens are then rejected and only public access is possible.
func NewGate(verifier TokenVerifier, cfg config.JWTConfig) *Gate {
	g := &Gate{
		verifier:   verifier,
		rolesClaim: cfg.RolesClaim,
		rolePrefix: cfg.RolePrefix,
		now:        time.Now,
	}
	if g.rolesClaim == "" {
		g.rolesClaim = "realm_access.roles"
	}
	if cfg.CacheSize > 0 && cfg.CacheTTL > 0 {
		g.cache = expirable.NewLRU[string, *Claims](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return g
}

// Authorize decides whether a caller presenting token may call method on route.
// A missing token is accepted only on public routes or public methods; a
// present but invalid token is always rejected.
func (g *Gate) Authorize(token string, route *router.Route, method string) Decision {
	open := route.IsPublic() || route.IsPublicMethod(method)

	if token == "" {
		if open {
			return Decision{Allowed: true, Reason: ReasonAllowed}
		}
		return Decision{Reason: ReasonUnauthenticated}
	}

	claims, err := g.verify(token)
	if err != nil {
		logging.Debug("token rejected",
			zap.String("route", route.ID),
			zap.Error(err),
		)
		return Decision{Reason: ReasonUnauthenticated}
	}

	d := Decision{
		Roles:   ExtractRoles(claims.Raw, g.rolesClaim, g.rolePrefix),
		Subject: claims.Subject,
	}
	if open || g.hasAnyRole(d.Roles, route.RequiredRoles) {
		d.Allowed = true
		d.Reason = ReasonAllowed
		return d
	}
	d.Reason = ReasonForbidden
	return d
}

func (g *Gate) verify(token string) (*Claims, error) {
	if g.verifier == nil {
		return nil, ErrNoVerificationKey
	}

	if g.cache != nil {
		if claims, ok := g.cache.Get(token); ok {
			if claims.ExpiresAt.IsZero() || g.now().Before(claims.ExpiresAt) {
				return claims, nil
			}
			g.cache.Remove(token)
		}
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	if g.cache != nil {
		g.cache.Add(token, claims)
	}
	return claims, nil
}

// hasAnyRole matches required role names with or without the authority prefix.
func (g *Gate) hasAnyRole(have, required []string) bool {
	for _, req := range required {
		if !strings.HasPrefix(req, g.rolePrefix) {
			req = g.rolePrefix + req
		}
		for _, h := range have {
			if h == req {
				return true
			}
		}
	}
	return false
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
