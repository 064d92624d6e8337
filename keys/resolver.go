package keys

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	gocache "github.com/patrickmn/go-cache"
)

// DefaultDiscoveryTTL controls how long a discovered jwks_uri is remembered.
const DefaultDiscoveryTTL = 24 * time.Hour

// Issuer declares a trusted token issuer. JWKSURL is optional; when empty the
// URL is taken from the issuer's discovery document.
type Issuer struct {
	Issuer  string
	JWKSURL string
}

// Resolver maps trusted issuers to the URL of their published key set.
type Resolver struct {
	static     map[string]string
	discovered *gocache.Cache
	client     *http.Client
}

// NewResolver builds a resolver for the given trusted issuers.
func NewResolver(issuers []Issuer, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	static := make(map[string]string, len(issuers))
	for _, iss := range issuers {
		if iss.Issuer == "" {
			continue
		}
		static[iss.Issuer] = iss.JWKSURL
	}
	return &Resolver{
		static:     static,
		discovered: gocache.New(DefaultDiscoveryTTL, time.Hour),
		client:     client,
	}
}

// Issuers lists the configured issuers in stable order.
func (r *Resolver) Issuers() []string {
	out := make([]string, 0, len(r.static))
	for iss := range r.static {
		out = append(out, iss)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the key set URL for issuer.
func (r *Resolver) Resolve(ctx context.Context, issuer string) (string, error) {
	jwksURL, ok := r.static[issuer]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownIssuer, issuer)
	}
	if jwksURL != "" {
		return jwksURL, nil
	}
	if v, ok := r.discovered.Get(issuer); ok {
		return v.(string), nil
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, r.client), issuer)
	if err != nil {
		return "", fmt.Errorf("%w: discovery for %s: %v", ErrKeyFetchFailed, issuer, err)
	}
	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("%w: discovery for %s: %v", ErrKeyFetchFailed, issuer, err)
	}
	if meta.JWKSURL == "" {
		return "", fmt.Errorf("%w: discovery for %s has no jwks_uri", ErrKeyFetchFailed, issuer)
	}
	r.discovered.SetDefault(issuer, meta.JWKSURL)
	return meta.JWKSURL, nil
}
