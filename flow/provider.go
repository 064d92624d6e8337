// Package flow drives the browser authorization-code flow with PKCE against
// upstream OpenID Connect providers.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"oidcbff/keys"
)

// ErrUnknownProvider is returned for provider names that are not configured.
var ErrUnknownProvider = errors.New("unknown provider")

// ProviderConfig describes one upstream provider. When AuthURL and TokenURL
// are empty the endpoints are discovered from the issuer.
type ProviderConfig struct {
	Name          string
	Issuer        string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	Scopes        []string
	AuthURL       string
	TokenURL      string
	UserInfoURL   string
	JWKSURL       string
	EndSessionURL string
	UIDClaim      string
}

// Provider is a ready-to-use upstream provider.
type Provider struct {
	Name          string
	Issuer        string
	ClientID      string
	JWKSURL       string
	EndSessionURL string
	UIDClaim      string

	oauth *oauth2.Config
	oidc  *oidc.Provider
}

// NewProvider resolves endpoints for cfg, running discovery if needed.
func NewProvider(ctx context.Context, cfg ProviderConfig, client *http.Client) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer required for provider %s", cfg.Name)
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id required for provider %s", cfg.Name)
	}
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}

	p := &Provider{
		Name:          cfg.Name,
		Issuer:        cfg.Issuer,
		ClientID:      cfg.ClientID,
		JWKSURL:       cfg.JWKSURL,
		EndSessionURL: cfg.EndSessionURL,
		UIDClaim:      cfg.UIDClaim,
	}

	if cfg.AuthURL != "" && cfg.TokenURL != "" {
		pc := &oidc.ProviderConfig{
			IssuerURL:   cfg.Issuer,
			AuthURL:     cfg.AuthURL,
			TokenURL:    cfg.TokenURL,
			UserInfoURL: cfg.UserInfoURL,
			JWKSURL:     cfg.JWKSURL,
		}
		p.oidc = pc.NewProvider(ctx)
	} else {
		op, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover provider %s: %w", cfg.Name, err)
		}
		var meta struct {
			JWKSURL       string `json:"jwks_uri"`
			EndSessionURL string `json:"end_session_endpoint"`
		}
		if err := op.Claims(&meta); err != nil {
			return nil, fmt.Errorf("discover provider %s: %w", cfg.Name, err)
		}
		if p.JWKSURL == "" {
			p.JWKSURL = meta.JWKSURL
		}
		if p.EndSessionURL == "" {
			p.EndSessionURL = meta.EndSessionURL
		}
		p.oidc = op
	}

	endpoint := p.oidc.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	} else {
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	p.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	return p, nil
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]*Provider
}

// NewRegistry builds a registry from already constructed providers.
func NewRegistry(providers ...*Provider) *Registry {
	r := &Registry{providers: make(map[string]*Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name] = p
	}
	return r
}

// BuildRegistry constructs every configured provider. With tolerant set, a
// provider that fails to initialise is logged and skipped instead of
// failing the whole registry.
func BuildRegistry(ctx context.Context, cfgs []ProviderConfig, client *http.Client, logger *slog.Logger, tolerant bool) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range cfgs {
		p, err := NewProvider(ctx, cfg, client)
		if err != nil {
			if tolerant {
				logger.Warn("provider init failed", "provider", cfg.Name, "error", err)
				continue
			}
			return nil, err
		}
		reg.providers[p.Name] = p
	}
	return reg, nil
}

// Get returns the provider called name.
func (r *Registry) Get(name string) (*Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists provider names in lexical order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Issuers returns a trusted-issuer entry for every provider.
func (r *Registry) Issuers() []keys.Issuer {
	out := make([]keys.Issuer, 0, len(r.providers))
	for _, name := range r.Names() {
		p := r.providers[name]
		out = append(out, keys.Issuer{Issuer: p.Issuer, JWKSURL: p.JWKSURL})
	}
	return out
}
