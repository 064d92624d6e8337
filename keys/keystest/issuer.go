// Package keystest provides an in-process token issuer for tests. It
// publishes a discovery document and a JSON Web Key Set over httptest and
// signs tokens with its current RSA key.
package keystest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
}

// Issuer is a test OIDC issuer backed by an httptest.Server. Its issuer
// identifier is the server URL.
type Issuer struct {
	Server *httptest.Server
	URL    string

	mux       *http.ServeMux
	mu        sync.RWMutex
	current   keyPair
	published []keyPair
	seq       int
	fetches   atomic.Int64
	failJWKS  atomic.Bool
}

// NewIssuer starts an issuer with one RSA signing key. The server is closed
// when the test ends.
func NewIssuer(tb testing.TB) *Issuer {
	tb.Helper()
	iss := &Issuer{mux: http.NewServeMux()}
	iss.mux.HandleFunc("/.well-known/openid-configuration", iss.handleDiscovery)
	iss.mux.HandleFunc("/jwks.json", iss.handleJWKS)
	iss.Server = httptest.NewServer(iss.mux)
	iss.URL = iss.Server.URL
	tb.Cleanup(iss.Server.Close)

	iss.Rotate(tb)
	return iss
}

// JWKSURL returns the URL of the published key set.
func (i *Issuer) JWKSURL() string { return i.URL + "/jwks.json" }

// Kid returns the key id of the current signing key.
func (i *Issuer) Kid() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.current.jwk.KeyID
}

// Fetches reports how many times the key set has been downloaded.
func (i *Issuer) Fetches() int { return int(i.fetches.Load()) }

// FailJWKS makes the key set endpoint answer 500 while set.
func (i *Issuer) FailJWKS(fail bool) { i.failJWKS.Store(fail) }

// Handle registers an extra endpoint on the issuer, e.g. /token.
func (i *Issuer) Handle(pattern string, h http.HandlerFunc) { i.mux.HandleFunc(pattern, h) }

// Rotate generates a new signing key and publishes it alongside the old ones.
func (i *Issuer) Rotate(tb testing.TB) {
	tb.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("generate rsa key: %v", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seq++
	kp := keyPair{
		private: priv,
		jwk: jose.JSONWebKey{
			Key:       &priv.PublicKey,
			KeyID:     fmt.Sprintf("test-key-%d", i.seq),
			Algorithm: string(jose.RS256),
			Use:       "sig",
		},
	}
	i.current = kp
	i.published = append(i.published, kp)
}

// Claims returns a baseline claim set for subject: issuer, audience and a
// one hour validity window.
func (i *Issuer) Claims(subject string, audience ...string) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": i.URL,
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	switch len(audience) {
	case 0:
	case 1:
		claims["aud"] = audience[0]
	default:
		claims["aud"] = audience
	}
	return claims
}

// Sign signs claims with the current key using RS256.
func (i *Issuer) Sign(tb testing.TB, claims jwt.MapClaims) string {
	tb.Helper()
	i.mu.RLock()
	kp := i.current
	i.mu.RUnlock()
	return SignWith(tb, jwt.SigningMethodRS256, kp.private, kp.jwk.KeyID, claims)
}

// SignWithoutKid signs claims with the current key and omits the kid header.
func (i *Issuer) SignWithoutKid(tb testing.TB, claims jwt.MapClaims) string {
	tb.Helper()
	i.mu.RLock()
	kp := i.current
	i.mu.RUnlock()
	return SignWith(tb, jwt.SigningMethodRS256, kp.private, "", claims)
}

// SignWith signs claims using an arbitrary method and key.
func SignWith(tb testing.TB, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	tb.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		tb.Fatalf("sign token: %v", err)
	}
	return signed
}

func (i *Issuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                                i.URL,
		"authorization_endpoint":                i.URL + "/authorize",
		"token_endpoint":                        i.URL + "/token",
		"userinfo_endpoint":                     i.URL + "/userinfo",
		"end_session_endpoint":                  i.URL + "/logout",
		"jwks_uri":                              i.JWKSURL(),
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	i.fetches.Add(1)
	if i.failJWKS.Load() {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	i.mu.RLock()
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(i.published))}
	for _, kp := range i.published {
		set.Keys = append(set.Keys, kp.jwk)
	}
	i.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}
