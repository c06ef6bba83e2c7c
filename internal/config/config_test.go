package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.HTTP.Port != 8000 {
		t.Errorf("unexpected default port: %d", cfg.HTTP.Port)
	}
	if cfg.Auth.TokenTTL != 30*time.Minute {
		t.Errorf("unexpected default token TTL: %v", cfg.Auth.TokenTTL)
	}
	if cfg.Postgres.Enabled {
		t.Errorf("expected postgres disabled by default")
	}
	if cfg.Redis.Enabled {
		t.Errorf("expected redis disabled by default")
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 8000 {
		t.Errorf("expected default port when the file is missing, got %d", cfg.HTTP.Port)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	contents := []byte("http:\n  port: 9090\nauth:\n  admin_username: root\n")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("failed to write test config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("expected YAML to override port to 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Auth.AdminUsername != "root" {
		t.Errorf("expected YAML to override admin_username, got %s", cfg.Auth.AdminUsername)
	}
	// Untouched fields should retain their defaults.
	if cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("expected unspecified field to keep its default, got %v", cfg.HTTP.ReadTimeout)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	os.WriteFile(path, []byte("http:\n  port: 9090\n"), 0o644)

	t.Setenv("GATEWAY_PORT", "7000")
	t.Setenv("GATEWAY_ADMIN_USERNAME", "env-admin")
	t.Setenv("PG_DSN", "postgres://example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 7000 {
		t.Errorf("expected env var to override YAML port, got %d", cfg.HTTP.Port)
	}
	if cfg.Auth.AdminUsername != "env-admin" {
		t.Errorf("expected env var to override admin_username, got %s", cfg.Auth.AdminUsername)
	}
	if cfg.Postgres.DSN != "postgres://example" || !cfg.Postgres.Enabled {
		t.Errorf("expected PG_DSN to set the DSN and enable postgres, got %+v", cfg.Postgres)
	}
}

func TestLoad_InvalidYAMLReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("http: [unclosed\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Errorf("expected an error for malformed YAML")
	}
}

func TestLoad_PGEnabledEnvOverride(t *testing.T) {
	t.Setenv("PG_ENABLED", "true")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Postgres.Enabled {
		t.Errorf("expected PG_ENABLED=true to enable postgres")
	}
}
