package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunkvault.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9999\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9999)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Metadata.Engine != "sqlite" {
		t.Errorf("Metadata.Engine = %q, want %q", cfg.Metadata.Engine, "sqlite")
	}
	if cfg.Storage.Backend != "kv" {
		t.Errorf("Storage.Backend = %q, want %q", cfg.Storage.Backend, "kv")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "text")
	}
}

func TestLoadAuthSection(t *testing.T) {
	path := writeConfig(t, `
auth:
  enabled: true
  credentials:
    - access_key: admin
      secret_key: s3cret
  controllers: [admin]
  managers: [admin, writer]
  auditors: [reader]
metadata:
  engine: memory
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Auth.Enabled {
		t.Error("Auth.Enabled = false, want true")
	}
	if len(cfg.Auth.Credentials) != 1 || cfg.Auth.Credentials[0].SecretKey != "s3cret" {
		t.Errorf("Auth.Credentials = %+v", cfg.Auth.Credentials)
	}
	if len(cfg.Auth.Managers) != 2 {
		t.Errorf("len(Auth.Managers) = %d, want 2", len(cfg.Auth.Managers))
	}
	if cfg.Metadata.Engine != "memory" {
		t.Errorf("Metadata.Engine = %q, want %q", cfg.Metadata.Engine, "memory")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: tape\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load: expected error for unknown backend")
	}
}

func TestLoadRejectsAuthWithoutCredentials(t *testing.T) {
	path := writeConfig(t, "auth:\n  enabled: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load: expected error for auth without credentials")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load: expected error for missing file")
	}
}
