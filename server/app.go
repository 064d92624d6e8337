package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"oidcbff/flow"
	"oidcbff/keys"
	"oidcbff/session"
	"oidcbff/token"
	"oidcbff/users"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Keys        *keys.Cache
	Verifier    *token.Verifier
	Providers   *flow.Registry
	Exchanger   *flow.Exchanger
	Sessions    *session.Manager
	CSRF        *session.CSRF
	Users       users.Store
	Provisioner *users.Provisioner
	Metrics     *prometheus.Registry

	cookies   cookieJar
	redirects redirectPolicy
	issuers   []string
	ready     atomic.Bool
	closers   []func()
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	timeout := parseDuration(cfg.Tokens.HTTPTimeout, flow.DefaultHTTPTimeout)
	client := &http.Client{Timeout: timeout}

	// Dev mode keeps serving when a provider's discovery document is
	// unreachable; production refuses to start.
	providers, err := flow.BuildRegistry(ctx, cfg.FlowProviders(), client, logger, cfg.Server.DevMode)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}

	trusted := mergeIssuers(cfg.Issuers, providers.Issuers())
	resolver := keys.NewResolver(trusted, client)
	cache := keys.NewCache(resolver, logger,
		keys.WithTTL(parseDuration(cfg.Tokens.KeySetTTL, keys.DefaultTTL)),
		keys.WithFetchTimeout(timeout),
		keys.WithHTTPClient(client),
	)
	verifier := token.NewVerifier(cache, token.Config{
		Algorithms: cfg.Tokens.AllowedAlgorithms,
		Audiences:  cfg.Tokens.Audiences,
		ClockSkew:  parseDuration(cfg.Tokens.ClockSkew, token.DefaultClockSkew),
	}, token.WithLogger(logger))

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Keys:      cache,
		Verifier:  verifier,
		Providers: providers,
		Exchanger: flow.NewExchanger(verifier, client, logger),
		Metrics:   newMetricsRegistry(logger),
		cookies:   newCookieJar(cfg),
		redirects: newRedirectPolicy(cfg.Server.PublicURL, cfg.Server.AllowedRedirectOrigins),
		issuers:   resolver.Issuers(),
	}

	store, err := a.openSessionStore(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Sessions = session.NewManager(store, a.refreshTokens, logger)

	a.CSRF, err = session.NewCSRF([]byte(cfg.Sessions.CSRFSecret))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("csrf key: %w", err)
	}

	a.Users, err = a.openUserStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Provisioner = users.NewProvisioner(a.Users, cfg.Tokens.UIDClaim, logger)
	for name, p := range cfg.Providers {
		a.Provisioner.SetProviderUIDClaim(name, p.UIDClaim)
	}

	if !cfg.Server.ReadinessCheck {
		a.ready.Store(true)
	}
	return a, nil
}

func (a *App) openSessionStore(cfg Config) (session.Store, error) {
	opts := []session.Option{
		session.WithAuthTTL(parseDuration(cfg.Sessions.AuthTTL, session.DefaultAuthTTL)),
		session.WithUserTTL(parseDuration(cfg.Sessions.UserTTL, session.DefaultUserTTL)),
	}
	if cfg.Sessions.Backend != BackendRedis {
		return session.NewMemoryStore(opts...), nil
	}
	rc := cfg.Sessions.Redis
	store := session.NewRedisStore(rc.Addr, rc.Password, rc.DB, rc.Prefix, opts...)
	a.closers = append(a.closers, func() { _ = store.Close() })
	a.Logger.Info("session store", "backend", BackendRedis, "addr", rc.Addr)
	return store, nil
}

func (a *App) openUserStore(ctx context.Context, cfg Config) (users.Store, error) {
	if cfg.Users.Backend != BackendPostgres {
		return users.NewMemoryStore(), nil
	}
	store, err := users.OpenPostgres(ctx, cfg.Users.DSN)
	if err != nil {
		return nil, fmt.Errorf("user store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.Logger.Info("user store", "backend", BackendPostgres)
	return store, nil
}

// mergeIssuers trusts every configured issuer plus every provider issuer. A
// configured jwks_url wins over the provider's discovered one.
func mergeIssuers(configured []IssuerConfig, fromProviders []keys.Issuer) []keys.Issuer {
	seen := make(map[string]int)
	var out []keys.Issuer
	for _, c := range configured {
		seen[c.Issuer] = len(out)
		out = append(out, keys.Issuer{Issuer: c.Issuer, JWKSURL: c.JWKSURL})
	}
	for _, p := range fromProviders {
		if i, ok := seen[p.Issuer]; ok {
			if out[i].JWKSURL == "" {
				out[i].JWKSURL = p.JWKSURL
			}
			continue
		}
		seen[p.Issuer] = len(out)
		out = append(out, p)
	}
	return out
}

func (a *App) refreshTokens(ctx context.Context, provider, refreshToken string) (*flow.TokenResponse, error) {
	p, err := a.Providers.Get(provider)
	if err != nil {
		return nil, err
	}
	return a.Exchanger.Refresh(ctx, refreshToken, p)
}

// Warm fetches the key set of every trusted issuer. The app reports ready
// once a warm-up has succeeded.
func (a *App) Warm(ctx context.Context) error {
	if err := a.Keys.Warm(ctx, a.issuers...); err != nil {
		return err
	}
	a.ready.Store(true)
	return nil
}

// Ready reports whether the readiness warm-up has passed.
func (a *App) Ready() bool { return a.ready.Load() }

// Issuers lists the trusted issuers.
func (a *App) Issuers() []string { return a.issuers }

// Close releases external connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
