// Package keys fetches and caches the signing keys published by trusted
// token issuers.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-jose/go-jose/v3"
)

var (
	// ErrUnknownIssuer is returned when an issuer is not configured as trusted.
	ErrUnknownIssuer = errors.New("unknown issuer")
	// ErrKeyFetchFailed is returned when a key set cannot be retrieved or parsed.
	ErrKeyFetchFailed = errors.New("key set fetch failed")
)

// KeySet is a snapshot of one issuer's signing keys. A KeySet is never
// modified after it is built; a refresh produces a new value.
type KeySet struct {
	URL       string
	Keys      map[string]jose.JSONWebKey
	FetchedAt time.Time
}

// Lookup returns the keys eligible to verify a token with the given kid.
// An empty kid matches every key in the set.
func (s *KeySet) Lookup(kid string) []jose.JSONWebKey {
	if s == nil {
		return nil
	}
	if kid != "" {
		if k, ok := s.Keys[kid]; ok {
			return []jose.JSONWebKey{k}
		}
		return nil
	}
	ids := make([]string, 0, len(s.Keys))
	for id := range s.Keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]jose.JSONWebKey, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Keys[id])
	}
	return out
}

// Len reports the number of keys in the set.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Keys)
}

// ParseKeySet decodes a JSON Web Key Set document. Encryption keys are
// skipped; keys without a kid are indexed by position.
func ParseKeySet(url string, body []byte, fetchedAt time.Time) (*KeySet, error) {
	var doc jose.JSONWebKeySet
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	set := &KeySet{
		URL:       url,
		Keys:      make(map[string]jose.JSONWebKey, len(doc.Keys)),
		FetchedAt: fetchedAt,
	}
	for i, k := range doc.Keys {
		if k.Use == "enc" || !k.Valid() {
			continue
		}
		pub := k.Public()
		if pub.Key == nil {
			continue
		}
		id := k.KeyID
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		set.Keys[id] = pub
	}
	if len(set.Keys) == 0 {
		return nil, errors.New("jwks contains no signing keys")
	}
	return set, nil
}
