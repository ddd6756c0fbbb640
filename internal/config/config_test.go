package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "computer.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
hub:
  url: ws://localhost:8765
  name: comp1
  bogus_field: true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, `
hub:
  url: ws://localhost:8765
  name: comp1
---
hub:
  url: ws://localhost:9999
  name: comp2
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("expected single-document error, got %v", err)
	}
}

func TestLoadRequiresHubURL(t *testing.T) {
	path := writeConfig(t, `
hub:
  name: comp1
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "hub.url") {
		t.Fatalf("expected hub.url error, got %v", err)
	}
}

func TestLoadRequiresServerName(t *testing.T) {
	path := writeConfig(t, `
hub:
  url: ws://localhost:8765
  name: comp1
servers:
  - type: stdio
    command: echo
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "servers[0]") {
		t.Fatalf("expected servers[0] error, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
hub:
  url: ws://localhost:8765
  name: comp1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.HistoryCap != 100 {
		t.Errorf("expected default history cap of 100, got %d", cfg.HistoryCap)
	}
	if cfg.Watch.Debounce <= 0 {
		t.Errorf("expected a positive default debounce")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("A2C_TEST_HUB_URL", "ws://example.internal:9000")
	path := writeConfig(t, `
hub:
  url: ${A2C_TEST_HUB_URL}
  name: comp1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Hub.URL != "ws://example.internal:9000" {
		t.Errorf("expected env var expansion, got %q", cfg.Hub.URL)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
hub:
  url: ws://localhost:8765
  office_id: office-1
  name: comp1
auth:
  secret: s3cret
  token_expiry: 1h
inputs:
  - type: promptString
    id: api_key
    password: true
servers:
  - name: echo
    type: stdio
    command: echo
    args: ["hello"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Inputs) != 1 || cfg.Inputs[0].ID != "api_key" {
		t.Fatalf("unexpected inputs: %+v", cfg.Inputs)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0]["name"] != "echo" {
		t.Fatalf("unexpected servers: %+v", cfg.Servers)
	}
}
