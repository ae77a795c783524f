package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WAGATE_HOME", home)
	t.Setenv("WAGATE_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Listen != ":3000" {
		t.Fatalf("expected default listen :3000, got %q", cfg.Server.Listen)
	}
	if cfg.Store.Dir != filepath.Join(home, ConfigDir) {
		t.Fatalf("store dir not resolved against home: %q", cfg.Store.Dir)
	}
	if cfg.Store.ContactsFile != filepath.Join(cfg.Store.Dir, "contacts.json") {
		t.Fatalf("contacts file not resolved: %q", cfg.Store.ContactsFile)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("kafka mirror should be disabled without brokers")
	}
}

func TestLoadReadsFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"server":{"listen":":9999"},"kafka":{"brokers":"localhost:9092","topic":"custom"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WAGATE_CONFIG", path)
	t.Setenv("WAGATE_HOME", dir)
	t.Setenv("WAGATE_LISTEN", ":7777")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Listen != ":7777" {
		t.Fatalf("env override should win, got %q", cfg.Server.Listen)
	}
	if cfg.Kafka.Topic != "custom" {
		t.Fatalf("file value lost, got %q", cfg.Kafka.Topic)
	}
	if !cfg.Kafka.Enabled() {
		t.Fatalf("kafka mirror should be enabled with brokers and topic")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WAGATE_CONFIG", path)
	t.Setenv("WAGATE_HOME", dir)

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WAGATE_CONFIG", filepath.Join(dir, "nested", "config.json"))
	t.Setenv("WAGATE_HOME", dir)

	cfg := DefaultConfig()
	cfg.Server.Listen = ":4242"
	if err := Save(cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Server.Listen != ":4242" {
		t.Fatalf("round trip lost listen addr, got %q", loaded.Server.Listen)
	}
}
