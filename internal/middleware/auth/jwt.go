package auth

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/microbank/gateway/internal/config"
)

// ErrNoVerificationKey is returned when a token arrives but no key source
// has been configured.
var ErrNoVerificationKey = errors.New("no token verification key configured")

// asymmetricMethods are accepted when keys come from a JWKS endpoint.
var asymmetricMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// Claims is the verified content of a token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	Raw       []byte // JSON encoding of the full claim set
}

// TokenVerifier verifies a bearer token's signature and expiry.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// Verifier checks signature, expiry, issuer and audience of a JWT.
type Verifier struct {
	parser   *jwt.Parser
	keyFunc  jwt.Keyfunc
	audience []string
	jwks     *JWKSProvider
}

// NewVerifier builds a verifier from configuration. A JWKS URL takes
// precedence over a static secret or public key.
func NewVerifier(cfg config.JWTConfig) (*Verifier, error) {
	if !cfg.Configured() {
		return nil, ErrNoVerificationKey
	}

	v := &Verifier{audience: cfg.Audience}

	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	switch {
	case cfg.JWKSURL != "":
		provider, err := NewJWKSProvider(cfg.JWKSURL, cfg.JWKSRefreshInterval)
		if err != nil {
			return nil, err
		}
		v.jwks = provider
		v.keyFunc = provider.KeyFunc()
		opts = append(opts, jwt.WithValidMethods(asymmetricMethods))

	case strings.HasPrefix(cfg.Algorithm, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("algorithm %s requires a secret", cfg.Algorithm)
		}
		secret := []byte(cfg.Secret)
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return secret, nil }
		opts = append(opts, jwt.WithValidMethods([]string{cfg.Algorithm}))

	default:
		key, err := parsePublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return key, nil }
		opts = append(opts, jwt.WithValidMethods([]string{cfg.Algorithm}))
	}

	v.parser = jwt.NewParser(opts...)
	return v, nil
}

func parsePublicKey(pemData string) (interface{}, error) {
	if pemData == "" {
		return nil, fmt.Errorf("asymmetric algorithm requires public_key or jwks_url")
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

// Verify parses and validates token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := jwt.MapClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token is not valid")
	}

	if len(v.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !containsAny(aud, v.audience) {
			return nil, errors.New("invalid token audience")
		}
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("encode claims: %w", err)
	}

	out := &Claims{Raw: raw}
	out.Subject, _ = claims.GetSubject()
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// Close releases the JWKS refresher, if any.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.Close()
	}
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
