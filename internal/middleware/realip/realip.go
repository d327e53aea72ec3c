package realip

import (
	"net"
	"net/http"
	"strings"

	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/middleware"
	"github.com/microbank/gateway/internal/variables"
)

// Resolver determines the client address of a request. Forwarding headers
// are only believed when the direct peer is a trusted proxy.
type Resolver struct {
	trustedNets []*net.IPNet
	headers     []string
	maxHops     int // 0 = unlimited
}

// New creates a Resolver from the trusted proxy config.
func New(cfg config.TrustedProxiesConfig) (*Resolver, error) {
	nets := make([]*net.IPNet, 0, len(cfg.CIDRs))
	for _, cidr := range cfg.CIDRs {
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	headers := cfg.Headers
	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}

	return &Resolver{
		trustedNets: nets,
		headers:     headers,
		maxHops:     cfg.MaxHops,
	}, nil
}

// Resolve returns the client address for r. With no trusted proxies, or an
// untrusted peer, it is the peer itself. Otherwise X-Forwarded-For is walked
// right to left and the first untrusted hop wins.
func (res *Resolver) Resolve(r *http.Request) string {
	peer := variables.RemoteHost(r)
	if !res.isTrusted(peer) {
		return peer
	}

	for _, header := range res.headers {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}
		if strings.EqualFold(header, "X-Forwarded-For") {
			if ip := res.walkXFF(val); ip != "" {
				return ip
			}
			continue
		}
		if ip := strings.TrimSpace(val); net.ParseIP(ip) != nil {
			return ip
		}
	}

	return peer
}

func (res *Resolver) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")

	hops := 0
	var last string
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if net.ParseIP(ip) == nil {
			// stop at the last hop that parsed
			return last
		}
		hops++
		last = ip

		if res.maxHops > 0 && hops > res.maxHops {
			return ip
		}
		if !res.isTrusted(ip) {
			return ip
		}
	}

	// Every hop is a trusted proxy.
	return last
}

func (res *Resolver) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range res.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware records the resolved client address on the request context.
func (res *Resolver) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			vc, ok := variables.FromContext(r.Context())
			if !ok {
				vc = variables.NewContext(r)
				r = variables.WithContext(r, vc)
			}
			vc.ClientIP = res.Resolve(r)
			next.ServeHTTP(w, r)
		})
	}
}
