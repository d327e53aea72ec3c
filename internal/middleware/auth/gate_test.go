package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/router"
)

// fakeVerifier maps tokens to claims and counts Verify calls.
type fakeVerifier struct {
	tokens map[string]*Claims
	calls  int
}

func (f *fakeVerifier) Verify(token string) (*Claims, error) {
	f.calls++
	if c, ok := f.tokens[token]; ok {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

func claimsWithRoles(sub string, roles string, exp time.Time) *Claims {
	return &Claims{
		Subject:   sub,
		ExpiresAt: exp,
		Raw:       []byte(`{"sub":"` + sub + `","realm_access":{"roles":` + roles + `}}`),
	}
}

func testRoutes(t *testing.T) *router.Table {
	t.Helper()
	table, err := router.New([]config.RouteConfig{
		{ID: "public", Path: "/public", Service: "PUBLIC"},
		{ID: "cards", Path: "/microbank/cards", Service: "CARDS", RequiredRoles: []string{"CARDS"}},
		{ID: "loans", Path: "/microbank/loans", Service: "LOANS", RequiredRoles: []string{"ROLE_LOANS"}, PublicMethods: []string{"GET"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func defaultJWTConfig() config.JWTConfig {
	return config.DefaultConfig().Authentication.JWT
}

func TestGateAuthorize(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	verifier := &fakeVerifier{tokens: map[string]*Claims{
		"accounts-user": claimsWithRoles("alice", `["ACCOUNTS"]`, exp),
		"cards-user":    claimsWithRoles("bob", `["CARDS"]`, exp),
		"loans-user":    claimsWithRoles("carol", `["LOANS"]`, exp),
	}}
	gate := NewGate(verifier, defaultJWTConfig())
	routes := testRoutes(t)

	tests := []struct {
		name       string
		route      string
		method     string
		token      string
		wantReason Reason
		wantSub    string
	}{
		{"public without token", "public", "POST", "", ReasonAllowed, ""},
		{"public with valid token", "public", "GET", "cards-user", ReasonAllowed, "bob"},
		{"public with invalid token", "public", "GET", "forged", ReasonUnauthenticated, ""},
		{"protected without token", "cards", "GET", "", ReasonUnauthenticated, ""},
		{"protected with invalid token", "cards", "GET", "forged", ReasonUnauthenticated, ""},
		{"protected lacking role", "cards", "GET", "accounts-user", ReasonForbidden, "alice"},
		{"protected with role", "cards", "DELETE", "cards-user", ReasonAllowed, "bob"},
		{"prefixed required role", "loans", "POST", "loans-user", ReasonAllowed, "carol"},
		{"public method without token", "loans", "GET", "", ReasonAllowed, ""},
		{"public method with wrong role", "loans", "GET", "cards-user", ReasonAllowed, "bob"},
		{"non public method with wrong role", "loans", "POST", "cards-user", ReasonForbidden, "bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, _ := routes.Get(tt.route)
			d := gate.Authorize(tt.token, route, tt.method)
			if d.Reason != tt.wantReason {
				t.Fatalf("expected %s, got %s", tt.wantReason, d.Reason)
			}
			if d.Allowed != (tt.wantReason == ReasonAllowed) {
				t.Errorf("Allowed = %v inconsistent with reason %s", d.Allowed, d.Reason)
			}
			if d.Subject != tt.wantSub {
				t.Errorf("expected subject %q, got %q", tt.wantSub, d.Subject)
			}
		})
	}
}

func TestGateDecisionCarriesPrefixedRoles(t *testing.T) {
	verifier := &fakeVerifier{tokens: map[string]*Claims{
		"t": claimsWithRoles("bob", `["CARDS","LOANS"]`, time.Now().Add(time.Hour)),
	}}
	gate := NewGate(verifier, defaultJWTConfig())
	route, _ := testRoutes(t).Get("cards")

	d := gate.Authorize("t", route, "GET")
	if len(d.Roles) != 2 || d.Roles[0] != "ROLE_CARDS" || d.Roles[1] != "ROLE_LOANS" {
		t.Errorf("unexpected roles %v", d.Roles)
	}
}

func TestGateCachesVerifiedTokens(t *testing.T) {
	now := time.Now()
	verifier := &fakeVerifier{tokens: map[string]*Claims{
		"t": claimsWithRoles("bob", `["CARDS"]`, now.Add(time.Minute)),
	}}
	gate := NewGate(verifier, defaultJWTConfig())
	gate.now = func() time.Time { return now }
	route, _ := testRoutes(t).Get("cards")

	for i := 0; i < 3; i++ {
		if d := gate.Authorize("t", route, "GET"); !d.Allowed {
			t.Fatalf("call %d: expected allowed, got %s", i, d.Reason)
		}
	}
	if verifier.calls != 1 {
		t.Errorf("expected 1 verification, got %d", verifier.calls)
	}

	// Past the token's own expiry the cached entry must not be used.
	gate.now = func() time.Time { return now.Add(2 * time.Minute) }
	gate.Authorize("t", route, "GET")
	if verifier.calls != 2 {
		t.Errorf("expected re-verification after expiry, got %d calls", verifier.calls)
	}
}

func TestGateCacheDisabled(t *testing.T) {
	verifier := &fakeVerifier{tokens: map[string]*Claims{
		"t": claimsWithRoles("bob", `["CARDS"]`, time.Now().Add(time.Hour)),
	}}
	cfg := defaultJWTConfig()
	cfg.CacheSize = 0
	gate := NewGate(verifier, cfg)
	route, _ := testRoutes(t).Get("cards")

	gate.Authorize("t", route, "GET")
	gate.Authorize("t", route, "GET")
	if verifier.calls != 2 {
		t.Errorf("expected 2 verifications without cache, got %d", verifier.calls)
	}
}

func TestGateWithoutVerifier(t *testing.T) {
	gate := NewGate(nil, defaultJWTConfig())
	routes := testRoutes(t)

	public, _ := routes.Get("public")
	if d := gate.Authorize("", public, "GET"); !d.Allowed {
		t.Errorf("expected public access without verifier, got %s", d.Reason)
	}
	if d := gate.Authorize("some-token", public, "GET"); d.Reason != ReasonUnauthenticated {
		t.Errorf("expected unverifiable token to be rejected, got %s", d.Reason)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer abc", "abc"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer ", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := BearerToken(req); got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
