package registry

import "testing"

func TestServiceURL(t *testing.T) {
	tests := []struct {
		svc  Service
		want string
	}{
		{Service{Address: "192.168.1.100", Port: 8080}, "http://192.168.1.100:8080"},
		{Service{Scheme: "https", Address: "cards.internal", Port: 443}, "https://cards.internal:443"},
		{Service{Address: "::1", Port: 9000}, "http://[::1]:9000"},
	}
	for _, tt := range tests {
		if got := tt.svc.URL(); got != tt.want {
			t.Errorf("URL() = %s, want %s", got, tt.want)
		}
	}
}

func TestFilterHealthy(t *testing.T) {
	in := []*Service{
		{ID: "a", Health: HealthPassing},
		{ID: "b", Health: HealthCritical},
		{ID: "c"},
		{ID: "d", Health: HealthWarning},
	}
	out := FilterHealthy(in)
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "c" {
		t.Errorf("unexpected healthy set: %v", out)
	}
}
