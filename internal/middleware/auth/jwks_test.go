package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/microbank/gateway/internal/config"
)

func serveJWKS(t *testing.T, key ecdsa.PublicKey, kid string) *httptest.Server {
	t.Helper()

	jwkKey, err := jwk.FromRaw(&key)
	if err != nil {
		t.Fatalf("jwk.FromRaw: %v", err)
	}
	jwkKey.Set(jwk.KeyIDKey, kid)
	jwkKey.Set(jwk.AlgorithmKey, "ES256")

	set := jwk.NewSet()
	set.AddKey(jwkKey)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
}

func signES256(t *testing.T, key *ecdsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestNewJWKSProvider(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	srv := serveJWKS(t, key.PublicKey, "test-key-1")
	defer srv.Close()

	provider, err := NewJWKSProvider(srv.URL, 0)
	if err != nil {
		t.Fatalf("NewJWKSProvider() error: %v", err)
	}
	defer provider.Close()

	if provider.url != srv.URL {
		t.Errorf("expected url %q, got %q", srv.URL, provider.url)
	}
	if provider.refresh != time.Hour {
		t.Errorf("expected default refresh 1h, got %v", provider.refresh)
	}
}

func TestNewJWKSProvider_InvalidURL(t *testing.T) {
	if _, err := NewJWKSProvider("http://localhost:1/nonexistent", time.Minute); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestJWKSKeyFunc(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	srv := serveJWKS(t, key.PublicKey, "my-key")
	defer srv.Close()

	provider, err := NewJWKSProvider(srv.URL, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewJWKSProvider() error: %v", err)
	}
	defer provider.Close()

	tests := []struct {
		name    string
		kid     string
		wantErr bool
	}{
		{"matching kid", "my-key", false},
		{"no kid falls back to first key", "", false},
		{"unknown kid", "wrong-key", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokenString := signES256(t, key, tt.kid, jwt.MapClaims{"sub": "user-1"})
			_, err := jwt.Parse(tokenString, provider.KeyFunc())
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("jwt.Parse() error: %v", err)
			}
		})
	}
}

func TestVerifierWithJWKS(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	srv := serveJWKS(t, key.PublicKey, "kc-1")
	defer srv.Close()

	v, err := NewVerifier(config.JWTConfig{JWKSURL: srv.URL, Algorithm: "RS256"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	defer v.Close()

	token := signES256(t, key, "kc-1", jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("expected alice, got %q", claims.Subject)
	}

	hmacToken := signHS256(t, "whatever", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	if _, err := v.Verify(hmacToken); err == nil {
		t.Error("expected HMAC token to be rejected when keys come from JWKS")
	}
}
