package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driversync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

// TestLoad_Defaults tests that a minimal file leaves defaults intact
func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "driver:\n  id: drv-42\n")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Driver.ID != "drv-42" {
		t.Errorf("Driver.ID = %q, want drv-42", cfg.Driver.ID)
	}
	if cfg.Sync.PushBatchSize != 10 {
		t.Errorf("PushBatchSize = %d, want default 10", cfg.Sync.PushBatchSize)
	}
	if cfg.Sync.RoundTimeout != 30*time.Second {
		t.Errorf("RoundTimeout = %v, want default 30s", cfg.Sync.RoundTimeout)
	}
	if cfg.Storage.QuotaBytes != 64<<20 {
		t.Errorf("QuotaBytes = %d, want default 64 MiB", cfg.Storage.QuotaBytes)
	}
	if cfg.Storage.SampleTTL != 7*24*time.Hour {
		t.Errorf("SampleTTL = %v, want default 7 days", cfg.Storage.SampleTTL)
	}
	if !cfg.Feed.Enabled || cfg.Feed.Port != 7411 {
		t.Errorf("Feed = %+v, want enabled on default port", cfg.Feed)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

// TestLoad_Overrides tests that file values replace defaults
func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"driver:",
		"  id: drv-1",
		"  day: 2026-08-29",
		"server:",
		"  base_url: https://sync.example.com",
		"sync:",
		"  push_batch_size: 25",
		"  round_timeout: 45s",
		"storage:",
		"  quota_bytes: 2097152",
		"location:",
		"  enabled: false",
		"log:",
		"  level: debug",
	}, "\n"))

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.BaseURL != "https://sync.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Sync.PushBatchSize != 25 || cfg.Sync.RoundTimeout != 45*time.Second {
		t.Errorf("Sync = %+v, want overridden values", cfg.Sync)
	}
	if cfg.Storage.QuotaBytes != 2<<20 {
		t.Errorf("QuotaBytes = %d, want 2 MiB", cfg.Storage.QuotaBytes)
	}
	if cfg.Location.Enabled {
		t.Error("Location.Enabled = true, want disabled")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

// TestLoad_MissingExplicitFile tests that a named but absent file errors
func TestLoad_MissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("Load(missing explicit file) succeeded, want error")
	}
}

// TestLoad_InvalidValuesRejected tests that validation runs at load time
func TestLoad_InvalidValuesRejected(t *testing.T) {
	path := writeConfig(t, "sync:\n  push_batch_size: 0\n")

	if _, _, err := Load(path); err == nil {
		t.Error("Load() accepted push_batch_size 0")
	}
}

// TestValidate tests each rejection rule
func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Sync:    SyncConfig{PushBatchSize: 10, RoundTimeout: 30 * time.Second},
			Storage: StorageConfig{QuotaBytes: 64 << 20},
			Feed:    FeedConfig{Enabled: true, Port: 7411},
			Log:     LogConfig{Level: "info"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero batch size", func(c *Config) { c.Sync.PushBatchSize = 0 }, true},
		{"negative round timeout", func(c *Config) { c.Sync.RoundTimeout = -time.Second }, true},
		{"quota below 1 MiB", func(c *Config) { c.Storage.QuotaBytes = 1 << 19 }, true},
		{"feed port out of range", func(c *Config) { c.Feed.Port = 70000 }, true},
		{"bad port but feed disabled", func(c *Config) { c.Feed.Enabled = false; c.Feed.Port = 0 }, false},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestPartitionPrefix tests driver/day partition naming
func TestPartitionPrefix(t *testing.T) {
	today := func() time.Time {
		return time.Date(2026, 8, 29, 15, 0, 0, 0, time.UTC)
	}

	cfg := &Config{Driver: DriverConfig{ID: "drv-1", Day: "2026-08-28"}}
	if got := cfg.PartitionPrefix(today); got != "drv-1/2026-08-28" {
		t.Errorf("PartitionPrefix() = %q, want explicit day", got)
	}

	cfg.Driver.Day = ""
	if got := cfg.PartitionPrefix(today); got != "drv-1/2026-08-29" {
		t.Errorf("PartitionPrefix() = %q, want today", got)
	}
}
