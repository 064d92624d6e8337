package token

import (
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Set is an unordered collection of scope or role names.
type Set map[string]struct{}

// NewSet builds a Set from names, ignoring empty strings.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		if n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// Has reports whether name is in the set.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Missing returns the names in required that are absent from s.
func (s Set) Missing(required ...string) []string {
	var out []string
	for _, r := range required {
		if !s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ExtractUID returns the value of uidClaim when present, otherwise the
// synthetic identifier "iss|sub".
func ExtractUID(c *Claims, uidClaim string) string {
	if c == nil {
		return ""
	}
	if uidClaim != "" {
		switch v := c.raw[uidClaim].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return c.Issuer + "|" + c.Subject
}

// ExtractScopes unions the scope and scp claims. Either may be a
// space-delimited string or an array.
func ExtractScopes(c *Claims) Set {
	s := Set{}
	if c == nil {
		return s
	}
	for _, entry := range slices.Concat(c.Scope, c.Scp) {
		for _, f := range strings.Fields(entry) {
			s[f] = struct{}{}
		}
	}
	return s
}

// ExtractRoles unions the roles claim with realm_access.roles.
func ExtractRoles(c *Claims) Set {
	s := Set{}
	if c == nil {
		return s
	}
	for _, r := range c.Roles {
		s[r] = struct{}{}
	}
	if c.RealmAccess != nil {
		for _, r := range c.RealmAccess.Roles {
			s[r] = struct{}{}
		}
	}
	return s
}
