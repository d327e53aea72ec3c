package auth

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractRoles reads role names from the claim at path (gjson syntax, e.g.
// "realm_access.roles") and prefixes each with prefix. A string claim is
// treated as a space or comma separated list. Duplicates are dropped.
func ExtractRoles(claims []byte, path, prefix string) []string {
	result := gjson.GetBytes(claims, path)
	if !result.Exists() {
		return nil
	}

	var names []string
	switch {
	case result.IsArray():
		for _, item := range result.Array() {
			if item.Type == gjson.String {
				names = append(names, item.String())
			}
		}
	case result.Type == gjson.String:
		names = strings.FieldsFunc(result.String(), func(r rune) bool {
			return r == ' ' || r == ','
		})
	}

	roles := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		role := prefix + name
		if seen[role] {
			continue
		}
		seen[role] = true
		roles = append(roles, role)
	}
	return roles
}
