package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"oidcbff/flow"
	"oidcbff/keys"
	"oidcbff/session"
	"oidcbff/token"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Tokens    TokensConfig              `yaml:"tokens"`
	Issuers   []IssuerConfig            `yaml:"issuers"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Sessions  SessionsConfig            `yaml:"sessions"`
	Users     UsersConfig               `yaml:"users"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL              string    `yaml:"public_url"`
	DevListenAddr          string    `yaml:"dev_listen_addr"`
	HTTPListenAddr         string    `yaml:"http_listen_addr"`
	HTTPSListenAddr        string    `yaml:"https_listen_addr"`
	DevMode                bool      `yaml:"dev_mode"`
	CookieDomain           string    `yaml:"cookie_domain"`
	SecretsPath            string    `yaml:"secrets_path"`
	TLS                    TLSConfig `yaml:"tls"`
	DefaultProvider        string    `yaml:"default_provider"`
	AllowedRedirectOrigins []string  `yaml:"allowed_redirect_origins"`
	CORSOrigins            []string  `yaml:"cors_origins"`
	ReadinessCheck         bool      `yaml:"readiness_check"`
	HSTSMaxAge             int       `yaml:"hsts_max_age"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// TokensConfig tunes bearer token verification.
type TokensConfig struct {
	AllowedAlgorithms []string `yaml:"allowed_algorithms"`
	Audiences         []string `yaml:"audiences"`
	ClockSkew         string   `yaml:"clock_skew"`
	UIDClaim          string   `yaml:"uid_claim"`
	KeySetTTL         string   `yaml:"keyset_ttl"`
	HTTPTimeout       string   `yaml:"http_timeout"`
	RequiredScopes    []string `yaml:"required_scopes"`
}

// IssuerConfig trusts an issuer for bearer tokens. JWKSURL skips discovery.
type IssuerConfig struct {
	Issuer  string `yaml:"issuer"`
	JWKSURL string `yaml:"jwks_url"`
}

// ProviderConfig describes an upstream provider used for browser login.
type ProviderConfig struct {
	Issuer        string   `yaml:"issuer"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RedirectURL   string   `yaml:"redirect_url"`
	Scopes        []string `yaml:"scopes"`
	AuthURL       string   `yaml:"auth_url"`
	TokenURL      string   `yaml:"token_url"`
	UserInfoURL   string   `yaml:"userinfo_url"`
	JWKSURL       string   `yaml:"jwks_url"`
	EndSessionURL string   `yaml:"end_session_url"`
	UIDClaim      string   `yaml:"uid_claim"`
}

// SessionsConfig selects the session backend and lifetimes.
type SessionsConfig struct {
	Backend    string      `yaml:"backend"`
	Redis      RedisConfig `yaml:"redis"`
	AuthTTL    string      `yaml:"auth_ttl"`
	UserTTL    string      `yaml:"user_ttl"`
	CSRFSecret string      `yaml:"csrf_secret"`
}

// RedisConfig locates the session Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// UsersConfig selects the user store.
type UsersConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is only
// an error when required is true.
func LoadDotEnv(path string, required bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
			ReadinessCheck: true,
			HSTSMaxAge:     31536000,
		},
		Tokens: TokensConfig{
			AllowedAlgorithms: slices.Clone(token.DefaultAlgorithms),
			ClockSkew:         token.DefaultClockSkew.String(),
			KeySetTTL:         keys.DefaultTTL.String(),
			HTTPTimeout:       flow.DefaultHTTPTimeout.String(),
		},
		Providers: map[string]ProviderConfig{},
		Sessions: SessionsConfig{
			Backend: BackendMemory,
			Redis:   RedisConfig{Addr: "127.0.0.1:6379", Prefix: session.DefaultKeyPrefix},
			AuthTTL: session.DefaultAuthTTL.String(),
			UserTTL: session.DefaultUserTTL.String(),
		},
		Users: UsersConfig{Backend: BackendMemory},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	cfg := defaultConfig()
	cfg.Providers = map[string]ProviderConfig{
		"google": {
			Issuer:   "https://accounts.google.com",
			ClientID: "your-client-id.apps.googleusercontent.com",
		},
	}
	cfg.Server.DefaultProvider = "google"
	return cfg
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCBFF_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OIDCBFF_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCBFF_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCBFF_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCBFF_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCBFF_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCBFF_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OIDCBFF_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OIDCBFF_SERVER_READINESS_CHECK":   func(v string) { cfg.Server.ReadinessCheck = parseBool(v, cfg.Server.ReadinessCheck) },
		"OIDCBFF_SERVER_REDIRECT_ORIGINS":  func(v string) { cfg.Server.AllowedRedirectOrigins = splitAndTrim(v) },
		"OIDCBFF_TOKENS_AUDIENCES":         func(v string) { cfg.Tokens.Audiences = splitAndTrim(v) },
		"OIDCBFF_TOKENS_CLOCK_SKEW":        func(v string) { cfg.Tokens.ClockSkew = v },
		"OIDCBFF_SESSIONS_BACKEND":         func(v string) { cfg.Sessions.Backend = v },
		"OIDCBFF_SESSIONS_REDIS_ADDR":      func(v string) { cfg.Sessions.Redis.Addr = v },
		"OIDCBFF_SESSIONS_REDIS_PASSWORD":  func(v string) { cfg.Sessions.Redis.Password = v },
		"OIDCBFF_SESSIONS_CSRF_SECRET":     func(v string) { cfg.Sessions.CSRFSecret = v },
		"OIDCBFF_USERS_BACKEND":            func(v string) { cfg.Users.Backend = v },
		"OIDCBFF_USERS_DSN":                func(v string) { cfg.Users.DSN = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}

	// Provider secrets: OIDCBFF_PROVIDER_<NAME>_CLIENT_SECRET.
	for name, p := range cfg.Providers {
		key := "OIDCBFF_PROVIDER_" + envName(name) + "_CLIENT_SECRET"
		if val, ok := os.LookupEnv(key); ok {
			p.ClientSecret = val
			cfg.Providers[name] = p
		}
	}
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ProviderNames returns configured provider names in sorted order.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FlowProviders converts provider config for the flow package.
func (c Config) FlowProviders() []flow.ProviderConfig {
	out := make([]flow.ProviderConfig, 0, len(c.Providers))
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		redirect := p.RedirectURL
		if redirect == "" {
			redirect = strings.TrimSuffix(c.Server.PublicURL, "/") + "/web/callback"
		}
		out = append(out, flow.ProviderConfig{
			Name:          name,
			Issuer:        p.Issuer,
			ClientID:      p.ClientID,
			ClientSecret:  p.ClientSecret,
			RedirectURL:   redirect,
			Scopes:        p.Scopes,
			AuthURL:       p.AuthURL,
			TokenURL:      p.TokenURL,
			UserInfoURL:   p.UserInfoURL,
			JWKSURL:       p.JWKSURL,
			EndSessionURL: p.EndSessionURL,
			UIDClaim:      p.UIDClaim,
		})
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if v := c.Server.TLS.MinVersion; v != "" && v != "1.2" && v != "1.3" {
		slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", v, "valid_values", []string{"1.2", "1.3"})
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", v)
	}

	if c.Server.CookieDomain != "" {
		u, _ := url.Parse(c.Server.PublicURL)
		host := u.Hostname()
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	for i, origin := range c.Server.AllowedRedirectOrigins {
		if !isOrigin(origin) {
			slog.Error("Invalid redirect origin", "field", "server.allowed_redirect_origins", "index", i, "value", origin)
			return fmt.Errorf("server.allowed_redirect_origins[%d] must be scheme://host[:port], got: %s", i, origin)
		}
	}

	if err := c.validateTokens(); err != nil {
		return err
	}

	for i, iss := range c.Issuers {
		if iss.Issuer == "" {
			slog.Error("Issuer missing issuer", "index", i)
			return fmt.Errorf("issuers[%d]: issuer is required", i)
		}
		if iss.JWKSURL != "" && !isHTTPURL(iss.JWKSURL) {
			slog.Error("Invalid JWKS URL", "issuer", iss.Issuer, "jwks_url", iss.JWKSURL)
			return fmt.Errorf("issuers[%d] (%s): jwks_url must start with http:// or https://", i, iss.Issuer)
		}
	}

	if len(c.Providers) == 0 && len(c.Issuers) == 0 {
		slog.Error("No providers or issuers configured", "reason", "at least one provider or trusted issuer is required")
		return errors.New("at least one provider or issuer must be configured")
	}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if p.Issuer == "" {
			slog.Error("Provider missing issuer", "provider", name, "field", fmt.Sprintf("providers.%s.issuer", name))
			return fmt.Errorf("providers.%s.issuer is required", name)
		}
		if p.ClientID == "" {
			slog.Error("Provider missing client_id", "provider", name, "field", fmt.Sprintf("providers.%s.client_id", name))
			return fmt.Errorf("providers.%s.client_id is required", name)
		}
		if (p.AuthURL == "") != (p.TokenURL == "") {
			slog.Error("Provider endpoints incomplete", "provider", name, "reason", "auth_url and token_url must be set together")
			return fmt.Errorf("providers.%s: auth_url and token_url must be set together", name)
		}
		for field, v := range map[string]string{"redirect_url": p.RedirectURL, "auth_url": p.AuthURL, "token_url": p.TokenURL, "userinfo_url": p.UserInfoURL, "jwks_url": p.JWKSURL, "end_session_url": p.EndSessionURL} {
			if v != "" && !isHTTPURL(v) {
				slog.Error("Invalid provider URL", "provider", name, "field", field, "value", v)
				return fmt.Errorf("providers.%s.%s must start with http:// or https://, got: %s", name, field, v)
			}
		}
	}
	if d := c.Server.DefaultProvider; d != "" {
		if _, ok := c.Providers[d]; !ok {
			slog.Error("Default provider not found", "default_provider", d, "available", c.ProviderNames())
			return fmt.Errorf("server.default_provider '%s' is not configured", d)
		}
	}

	return c.validateStores()
}

func (c Config) validateTokens() error {
	for _, alg := range c.Tokens.AllowedAlgorithms {
		if strings.EqualFold(alg, "none") {
			slog.Error("Disallowed algorithm", "field", "tokens.allowed_algorithms", "value", alg)
			return errors.New("tokens.allowed_algorithms must not contain none")
		}
		if jwt.GetSigningMethod(alg) == nil {
			slog.Error("Unknown algorithm", "field", "tokens.allowed_algorithms", "value", alg)
			return fmt.Errorf("tokens.allowed_algorithms: unknown algorithm %q", alg)
		}
	}
	durations := map[string]string{
		"tokens.clock_skew":   c.Tokens.ClockSkew,
		"tokens.keyset_ttl":   c.Tokens.KeySetTTL,
		"tokens.http_timeout": c.Tokens.HTTPTimeout,
		"sessions.auth_ttl":   c.Sessions.AuthTTL,
		"sessions.user_ttl":   c.Sessions.UserTTL,
	}
	for field, v := range durations {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			slog.Error("Invalid duration", "field", field, "value", v, "error", err)
			return fmt.Errorf("%s: invalid duration '%s'", field, v)
		}
	}
	return nil
}

func (c Config) validateStores() error {
	switch c.Sessions.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Sessions.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "sessions.redis.addr")
			return errors.New("sessions.redis.addr is required for the redis backend")
		}
	default:
		slog.Error("Invalid session backend", "field", "sessions.backend", "value", c.Sessions.Backend, "valid_values", []string{BackendMemory, BackendRedis})
		return fmt.Errorf("sessions.backend must be %q or %q, got: %s", BackendMemory, BackendRedis, c.Sessions.Backend)
	}
	if !c.Server.DevMode && c.Sessions.CSRFSecret == "" {
		slog.Warn("sessions.csrf_secret not set; CSRF tokens will not survive restarts or span replicas")
	}

	switch c.Users.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Users.DSN == "" {
			slog.Error("Missing required configuration", "field", "users.dsn")
			return errors.New("users.dsn is required for the postgres backend")
		}
	default:
		slog.Error("Invalid user backend", "field", "users.backend", "value", c.Users.Backend, "valid_values", []string{BackendMemory, BackendPostgres})
		return fmt.Errorf("users.backend must be %q or %q, got: %s", BackendMemory, BackendPostgres, c.Users.Backend)
	}
	return nil
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

func isOrigin(v string) bool {
	u, err := url.Parse(v)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return (u.Path == "" || u.Path == "/") && u.RawQuery == "" && u.Fragment == "" && u.User == nil
}
