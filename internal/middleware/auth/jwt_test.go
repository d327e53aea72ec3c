package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/microbank/gateway/internal/config"
	"github.com/tidwall/gjson"
)

const testSecret = "test-secret-key"

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func hsVerifier(t *testing.T, mutate func(*config.JWTConfig)) *Verifier {
	t.Helper()
	cfg := config.JWTConfig{Secret: testSecret, Algorithm: "HS256"}
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := NewVerifier(cfg)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestVerifierValidToken(t *testing.T) {
	v := hsVerifier(t, func(c *config.JWTConfig) { c.Issuer = "keycloak" })

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signHS256(t, testSecret, jwt.MapClaims{
		"sub": "user-123",
		"iss": "keycloak",
		"exp": exp.Unix(),
		"realm_access": map[string]interface{}{
			"roles": []string{"ACCOUNTS"},
		},
	})

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Errorf("expected subject user-123, got %q", claims.Subject)
	}
	if !claims.ExpiresAt.Equal(exp) {
		t.Errorf("expected expiry %v, got %v", exp, claims.ExpiresAt)
	}
	if got := gjson.GetBytes(claims.Raw, "realm_access.roles.0").String(); got != "ACCOUNTS" {
		t.Errorf("expected raw claims to keep nested roles, got %q", got)
	}
}

func TestVerifierRejects(t *testing.T) {
	v := hsVerifier(t, func(c *config.JWTConfig) {
		c.Issuer = "keycloak"
		c.Audience = []string{"gateway"}
	})
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"expired", signHS256(t, testSecret, jwt.MapClaims{"iss": "keycloak", "aud": "gateway", "exp": time.Now().Add(-time.Hour).Unix()})},
		{"missing exp", signHS256(t, testSecret, jwt.MapClaims{"iss": "keycloak", "aud": "gateway"})},
		{"wrong secret", signHS256(t, "other-secret", jwt.MapClaims{"iss": "keycloak", "aud": "gateway", "exp": future})},
		{"wrong issuer", signHS256(t, testSecret, jwt.MapClaims{"iss": "other", "aud": "gateway", "exp": future})},
		{"wrong audience", signHS256(t, testSecret, jwt.MapClaims{"iss": "keycloak", "aud": "other", "exp": future})},
		{"alg none", func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"iss": "keycloak", "aud": "gateway", "exp": future}).
				SignedString(jwt.UnsafeAllowNoneSignatureType)
			return s
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); err == nil {
				t.Error("expected verification error")
			}
		})
	}
}

func TestVerifierLeeway(t *testing.T) {
	v := hsVerifier(t, func(c *config.JWTConfig) { c.Leeway = time.Minute })

	token := signHS256(t, testSecret, jwt.MapClaims{"exp": time.Now().Add(-10 * time.Second).Unix()})
	if _, err := v.Verify(token); err != nil {
		t.Errorf("expected token within leeway to verify, got %v", err)
	}
}

func TestVerifierRSAPublicKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	v, err := NewVerifier(config.JWTConfig{PublicKey: pemKey, Algorithm: "RS256"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "svc",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Verify(token); err != nil {
		t.Errorf("expected RS256 token to verify, got %v", err)
	}

	// An HMAC token signed with the public key bytes must not be accepted.
	forged := signHS256(t, pemKey, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	if _, err := v.Verify(forged); err == nil {
		t.Error("expected algorithm confusion to be rejected")
	}
}

func TestNewVerifierErrors(t *testing.T) {
	if _, err := NewVerifier(config.JWTConfig{Algorithm: "HS256"}); !errors.Is(err, ErrNoVerificationKey) {
		t.Errorf("expected ErrNoVerificationKey, got %v", err)
	}
	if _, err := NewVerifier(config.JWTConfig{PublicKey: "not pem", Algorithm: "RS256"}); err == nil {
		t.Error("expected PEM parse error")
	}
	if _, err := NewVerifier(config.JWTConfig{PublicKey: "x", Algorithm: "HS256"}); err == nil {
		t.Error("expected error for HMAC without secret")
	}
}
