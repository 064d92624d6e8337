// Package token verifies issuer-signed JWTs and projects their claims into
// the identifiers, scopes and roles the rest of the service works with.
package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StringList decodes a claim that providers send either as a single string
// or as an array of strings. Non-string array members are dropped.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
			return nil
		}
		*l = StringList{s}
		return nil
	}
	var items []any
	if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("expected string or array: %w", err)
	}
	out := make(StringList, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	*l = out
	return nil
}

// RoleContainer is the nested role structure some providers emit, e.g.
// Keycloak's realm_access.
type RoleContainer struct {
	Roles StringList `json:"roles,omitempty"`
}

// Claims is the verified payload of a token. The typed fields cover every
// claim the service reads; anything else is available through Get.
type Claims struct {
	Issuer            string           `json:"iss,omitempty"`
	Subject           string           `json:"sub,omitempty"`
	Audience          jwt.ClaimStrings `json:"aud,omitempty"`
	ExpiresAt         *jwt.NumericDate `json:"exp,omitempty"`
	NotBefore         *jwt.NumericDate `json:"nbf,omitempty"`
	IssuedAt          *jwt.NumericDate `json:"iat,omitempty"`
	Scope             StringList       `json:"scope,omitempty"`
	Scp               StringList       `json:"scp,omitempty"`
	Roles             StringList       `json:"roles,omitempty"`
	RealmAccess       *RoleContainer   `json:"realm_access,omitempty"`
	Email             string           `json:"email,omitempty"`
	EmailVerified     bool             `json:"-"`
	Name              string           `json:"name,omitempty"`
	GivenName         string           `json:"given_name,omitempty"`
	FamilyName        string           `json:"family_name,omitempty"`
	PhoneNumber       string           `json:"phone_number,omitempty"`
	PreferredUsername string           `json:"preferred_username,omitempty"`
	Nonce             string           `json:"nonce,omitempty"`

	raw map[string]any
}

// profileClaims are informational; a value of the wrong type is left out of
// the typed fields but stays readable through Get.
var profileClaims = []string{"email", "name", "given_name", "family_name", "phone_number", "preferred_username"}

// NewClaims builds Claims from a decoded JSON object. A nil map yields an
// empty claim set.
func NewClaims(raw map[string]any) (*Claims, error) {
	c := &Claims{raw: maps.Clone(raw)}
	if c.raw == nil {
		c.raw = map[string]any{}
		return c, nil
	}
	decode, cloned := c.raw, false
	for _, name := range profileClaims {
		v, ok := decode[name]
		if _, isString := v.(string); !ok || isString {
			continue
		}
		if !cloned {
			decode, cloned = maps.Clone(c.raw), true
		}
		delete(decode, name)
	}
	b, err := json.Marshal(decode)
	if err != nil {
		return nil, fmt.Errorf("%w: encode claims: %v", ErrMalformedToken, err)
	}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrMalformedToken, err)
	}
	c.EmailVerified = truthy(c.raw["email_verified"])
	return c, nil
}

// Get returns a top-level claim by name.
func (c *Claims) Get(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.raw[name]
	return v, ok
}

// String returns a top-level claim as a string, or "" if absent or not a string.
func (c *Claims) String(name string) string {
	v, _ := c.Get(name)
	s, _ := v.(string)
	return s
}

// Raw returns a copy of the top-level claim map.
func (c *Claims) Raw() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return maps.Clone(c.raw)
}

// Empty reports whether no claims were provided.
func (c *Claims) Empty() bool {
	return c == nil || len(c.raw) == 0
}

// Expiry returns the exp claim, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c == nil || c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}
