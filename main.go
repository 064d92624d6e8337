package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"oidcbff/server"
)

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "oidcbff",
		Short:         "OIDC relying party and browser session backend",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", envOr("OIDCBFF_CONFIG", "./config.yaml"), "Path to YAML config")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", envOr("OIDCBFF_ENV_FILE", ".env"), "Optional .env file loaded before env overrides")
	root.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "json", "Log format (json, text)")

	root.AddCommand(newServeCmd(flags), newConfigCmd(flags), newKeysCmd(flags))
	return root
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := flags.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg, err := flags.load(logger)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a configuration file through a guided setup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := flags.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := runConfigInit(flags.configPath, cmd.InOrStdin(), cmd.OutOrStdout(), logger); err != nil {
				return fmt.Errorf("config init failed: %w", err)
			}
			logger.Info("configuration initialized successfully", "path", flags.configPath)
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := flags.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if _, err := flags.load(logger); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			logger.Info("configuration is valid", "path", flags.configPath)
			return nil
		},
	})
	return configCmd
}

func newKeysCmd(flags *globalFlags) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect trusted issuer key sets",
	}
	var timeout time.Duration
	check := &cobra.Command{
		Use:   "check",
		Short: "Fetch the key set of every trusted issuer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := flags.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg, err := flags.load(logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runKeysCheck(ctx, cfg, logger)
		},
	}
	check.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall time limit")
	keysCmd.AddCommand(check)
	return keysCmd
}

func (f *globalFlags) logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLogLevel(f.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", f.logLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(f.logFormat) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", f.logFormat)
	}
}

func (f *globalFlags) load(logger *slog.Logger) (server.Config, error) {
	if err := server.LoadDotEnv(f.envFile, f.envFile != ".env"); err != nil {
		return server.Config{}, err
	}
	return loadConfig(f.configPath, logger)
}

func runServe(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	if cfg.Server.ReadinessCheck {
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := application.Warm(warmCtx)
		cancel()
		switch {
		case err != nil && !cfg.Server.DevMode:
			return fmt.Errorf("readiness check: %w", err)
		case err != nil:
			logger.Warn("readiness check failed, continuing in dev mode", "error", err)
		default:
			logger.Info("trusted issuers ready", "issuers", application.Issuers())
		}
	}

	handler := application.Routes()
	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
			},
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	return nil
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runKeysCheck fetches every trusted issuer's key set once and reports the
// outcome per issuer.
func runKeysCheck(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	issuers := application.Issuers()
	if len(issuers) == 0 {
		return errors.New("no trusted issuers configured")
	}
	var failed int
	for _, iss := range issuers {
		set, err := application.Keys.Fetch(ctx, iss)
		if err != nil {
			failed++
			logger.Error("key set unavailable", "issuer", iss, "error", err)
			continue
		}
		logger.Info("key set ok", "issuer", iss, "url", set.URL, "keys", set.Len())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d issuers failed", failed, len(issuers))
	}
	return nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'oidcbff config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	p := &prompter{reader: bufio.NewReader(in), out: out}
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := p.askYesNo("Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.ask("Public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.ask("Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := p.askRequired("Primary public domain (e.g. app.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = p.ask("ACME contact email", cfg.Server.TLS.Email)
	}

	name := p.ask("Provider name", cfg.Server.DefaultProvider)
	provider := cfg.Providers[cfg.Server.DefaultProvider]
	provider.Issuer = strings.TrimSuffix(p.ask("Provider issuer URL", provider.Issuer), "/")
	provider.ClientID = p.askRequired("Client ID")
	provider.ClientSecret = p.ask("Client secret (leave empty for public clients)", "")
	cfg.Providers = map[string]server.ProviderConfig{name: provider}
	cfg.Server.DefaultProvider = name

	cfg.Server.AllowedRedirectOrigins = normalizeList(p.ask("Allowed redirect origins (comma separated)", ""), nil)
	cfg.Sessions.CSRFSecret = randomHex(32)

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p *prompter) readLine() (string, bool) {
	input, err := p.reader.ReadString('\n')
	return strings.TrimSpace(input), err == nil || input != ""
}

func (p *prompter) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}
	input, _ := p.readLine()
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func (p *prompter) askRequired(prompt string) string {
	for {
		fmt.Fprintf(p.out, "%s: ", prompt)
		input, ok := p.readLine()
		if input != "" {
			return input
		}
		if !ok {
			return ""
		}
		fmt.Fprintln(p.out, "This value is required. Please enter a value.")
	}
}

func (p *prompter) askYesNo(prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, defLabel)
		input, ok := p.readLine()
		switch strings.ToLower(input) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if !ok {
			return def
		}
		fmt.Fprintln(p.out, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
