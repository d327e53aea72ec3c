package variables

import (
	"net/http/httptest"
	"testing"
)

func TestGetFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/microbank/cards/api/fetch", nil)

	detached := GetFromRequest(req)
	if detached.Method != "GET" || detached.Path != "/microbank/cards/api/fetch" {
		t.Errorf("unexpected detached context: %+v", detached)
	}

	vc := NewContext(req)
	vc.CorrelationID = "abc-123"
	req = WithContext(req, vc)

	got := GetFromRequest(req)
	if got != vc {
		t.Fatal("expected stored context to be returned")
	}
	if got.CorrelationID != "abc-123" {
		t.Errorf("expected correlation id abc-123, got %q", got.CorrelationID)
	}
	if got.RouteID() != "" {
		t.Errorf("expected empty route id before matching, got %q", got.RouteID())
	}
}

func TestHasRole(t *testing.T) {
	vc := &Context{CallerRoles: []string{"ROLE_ACCOUNTS", "ROLE_CARDS"}}
	if !vc.HasRole("ROLE_CARDS") {
		t.Error("expected ROLE_CARDS")
	}
	if vc.HasRole("ROLE_LOANS") {
		t.Error("did not expect ROLE_LOANS")
	}
}

func TestRemoteHost(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "10.0.0.1:5555", nil, "10.0.0.1"},
		{"forwarded for ignored", "10.0.0.1:5555", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "10.0.0.1"},
		{"real ip ignored", "10.0.0.1:5555", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.1"},
		{"no port", "10.0.0.9", nil, "10.0.0.9"},
		{"ipv6", "[2001:db8::1]:443", nil, "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := RemoteHost(req); got != tt.want {
				t.Errorf("RemoteHost = %q, want %q", got, tt.want)
			}
			if got := NewContext(req).ClientIP; got != tt.want {
				t.Errorf("NewContext ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
