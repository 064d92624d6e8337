package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"oidcbff/keys/keystest"
	"oidcbff/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bearerOnlyConfig(issuers ...string) server.Config {
	cfg := server.DefaultConfig()
	cfg.Providers = map[string]server.ProviderConfig{}
	cfg.Server.DefaultProvider = ""
	for _, iss := range issuers {
		cfg.Issuers = append(cfg.Issuers, server.IssuerConfig{Issuer: iss})
	}
	return cfg
}

func TestRunKeysCheckSuccess(t *testing.T) {
	iss := keystest.NewIssuer(t)
	cfg := bearerOnlyConfig(iss.URL)

	if err := runKeysCheck(context.Background(), cfg, discardLogger()); err != nil {
		t.Fatalf("runKeysCheck returned error: %v", err)
	}
	if iss.Fetches() != 1 {
		t.Fatalf("expected one key set fetch, got %d", iss.Fetches())
	}
}

func TestRunKeysCheckFailure(t *testing.T) {
	good := keystest.NewIssuer(t)
	bad := keystest.NewIssuer(t)
	bad.FailJWKS(true)
	cfg := bearerOnlyConfig(good.URL, bad.URL)

	err := runKeysCheck(context.Background(), cfg, discardLogger())
	if err == nil {
		t.Fatal("expected error when an issuer key set is unavailable")
	}
	if !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunKeysCheckNoIssuers(t *testing.T) {
	cfg := bearerOnlyConfig()
	if err := runKeysCheck(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected error without trusted issuers")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestRunConfigInitWritesValidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	answers := strings.Join([]string{
		"y",                             // dev mode
		"http://127.0.0.1:9000",         // public url
		"",                              // dev listen address
		"corp",                          // provider name
		"https://login.example.com/",    // issuer
		"web-client",                    // client id
		"",                              // client secret
		"https://app.example.com",       // redirect origins
	}, "\n") + "\n"

	if err := runConfigInit(path, strings.NewReader(answers), io.Discard, discardLogger()); err != nil {
		t.Fatalf("runConfigInit: %v", err)
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected public url %q", cfg.Server.PublicURL)
	}
	if cfg.Server.DefaultProvider != "corp" {
		t.Fatalf("unexpected default provider %q", cfg.Server.DefaultProvider)
	}
	p, ok := cfg.Providers["corp"]
	if !ok || p.Issuer != "https://login.example.com" || p.ClientID != "web-client" {
		t.Fatalf("unexpected provider config: %+v", cfg.Providers)
	}
	if len(cfg.Sessions.CSRFSecret) != 64 {
		t.Fatalf("expected generated csrf secret, got %q", cfg.Sessions.CSRFSecret)
	}
	if len(cfg.Server.AllowedRedirectOrigins) != 1 {
		t.Fatalf("unexpected redirect origins %v", cfg.Server.AllowedRedirectOrigins)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config written with mode %v", info.Mode().Perm())
	}
}

func TestRunConfigInitRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: {}\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := runConfigInit(path, strings.NewReader(""), io.Discard, discardLogger()); err == nil {
		t.Fatal("expected error for existing config file")
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeConfigFile(path, bearerOnlyConfig("https://issuer.example.com")); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := newRootCmd()
	cmd.SetArgs([]string{"config", "validate", "--config", path, "--env-file", "", "--log-format", "text"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config validate: %v", err)
	}
}

func TestConfigValidateCommandMissingFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"config", "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--env-file", ""})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
