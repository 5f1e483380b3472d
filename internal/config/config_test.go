package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/icon-project/iconsub/internal/backoff"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iconsub.yaml")
	body := `
endpoint: http://node.example.com/api/v3
ws_endpoint: ws://node.example.com/api/v3/icon_dex
subscriptions:
  - channel: blocks
    source: block
    resume_height: latest
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backoff.MaxRetries != backoff.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", cfg.Backoff.MaxRetries, backoff.DefaultMaxRetries)
	}
	if cfg.MetricsAddr != defaultMetricsAddr {
		t.Errorf("MetricsAddr = %q, want %q", cfg.MetricsAddr, defaultMetricsAddr)
	}
	if len(cfg.Subscriptions) != 1 {
		t.Fatalf("len(Subscriptions) = %d, want 1", len(cfg.Subscriptions))
	}
	if cfg.Subscriptions[0].MaxBufferSize != defaultMaxBufferSize {
		t.Errorf("MaxBufferSize = %d, want default %d", cfg.Subscriptions[0].MaxBufferSize, defaultMaxBufferSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/iconsub.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")
	cfg := &Config{
		Endpoint:   "http://node.example.com/api/v3",
		WSEndpoint: "ws://node.example.com/api/v3/icon_dex",
		Backoff:    BackoffConfig{MaxRetries: 4, SlotSize: 8},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Endpoint != cfg.Endpoint || loaded.Backoff.MaxRetries != 4 {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}
