package auth

import (
	"reflect"
	"testing"
)

func TestExtractRoles(t *testing.T) {
	tests := []struct {
		name   string
		claims string
		path   string
		prefix string
		want   []string
	}{
		{
			name:   "keycloak realm roles",
			claims: `{"realm_access":{"roles":["ACCOUNTS","CARDS"]}}`,
			path:   "realm_access.roles",
			prefix: "ROLE_",
			want:   []string{"ROLE_ACCOUNTS", "ROLE_CARDS"},
		},
		{
			name:   "missing claim",
			claims: `{"sub":"x"}`,
			path:   "realm_access.roles",
			prefix: "ROLE_",
			want:   nil,
		},
		{
			name:   "space separated string",
			claims: `{"scope":"loans cards"}`,
			path:   "scope",
			prefix: "SCOPE_",
			want:   []string{"SCOPE_loans", "SCOPE_cards"},
		},
		{
			name:   "client roles with dotted path",
			claims: `{"resource_access":{"gateway":{"roles":["LOANS","LOANS",""]}}}`,
			path:   "resource_access.gateway.roles",
			prefix: "",
			want:   []string{"LOANS"},
		},
		{
			name:   "non string entries ignored",
			claims: `{"roles":["A",1,{"x":1},"B"]}`,
			path:   "roles",
			prefix: "ROLE_",
			want:   []string{"ROLE_A", "ROLE_B"},
		},
		{
			name:   "object claim yields nothing",
			claims: `{"roles":{"A":true}}`,
			path:   "roles",
			prefix: "ROLE_",
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractRoles([]byte(tt.claims), tt.path, tt.prefix)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractRoles() = %v, want %v", got, tt.want)
			}
		})
	}
}
