package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWKSProvider fetches the identity provider's JSON Web Key Set and keeps it
// fresh in the background until closed.
type JWKSProvider struct {
	cache   *jwk.Cache
	url     string
	refresh time.Duration
	cancel  context.CancelFunc
}

// NewJWKSProvider registers jwksURL and performs an initial fetch so that a
// misconfigured URL fails at startup rather than on the first request.
func NewJWKSProvider(jwksURL string, refreshInterval time.Duration) (*JWKSProvider, error) {
	if refreshInterval <= 0 {
		refreshInterval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(ctx)

	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refreshInterval)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 10*time.Second)
	defer fetchCancel()
	if _, err := cache.Refresh(fetchCtx, jwksURL); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{
		cache:   cache,
		url:     jwksURL,
		refresh: refreshInterval,
		cancel:  cancel,
	}, nil
}

// KeyFunc returns a jwt.Keyfunc resolving the token's kid against the set.
// Tokens without a kid are checked against the first key.
func (p *JWKSProvider) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		keySet, err := p.cache.Get(ctx, p.url)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}

		var key jwk.Key
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			if keySet.Len() == 0 {
				return nil, fmt.Errorf("no kid in token header and no keys in JWKS")
			}
			key, _ = keySet.Key(0)
		} else {
			var found bool
			key, found = keySet.LookupKeyID(kid)
			if !found {
				return nil, fmt.Errorf("key %q not found in JWKS", kid)
			}
		}

		var rawKey interface{}
		if err := key.Raw(&rawKey); err != nil {
			return nil, fmt.Errorf("failed to extract raw key %q: %w", kid, err)
		}
		return rawKey, nil
	}
}

// Close stops the background refresh goroutine.
func (p *JWKSProvider) Close() {
	p.cancel()
}
