package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() must validate, got %v", err)
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxHops != Default().MaxHops {
		t.Fatalf("expected default config, got %+v", cfg)
	}
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Enabled = true
	cfg.TraceroutesPerMinute = 5

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Enabled || loaded.TraceroutesPerMinute != 5 {
		t.Fatalf("unexpected round-tripped config: %+v", loaded)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.MaxHops = 99

	if err := Save(path, cfg); err == nil {
		t.Fatal("expected validation error for max_hops out of range")
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("invalid config must not be written to disk")
	}
}

func TestValidateRangeChecks(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"rate too high", func(c *Config) { c.TraceroutesPerMinute = 61 }, true},
		{"burst too low", func(c *Config) { c.BurstMultiplier = 0 }, true},
		{"queue too small", func(c *Config) { c.QueueMaxSize = 5 }, true},
		{"bad overflow strategy", func(c *Config) { c.QueueOverflowStrategy = "explode" }, true},
		{"max_hops zero", func(c *Config) { c.MaxHops = 0 }, true},
		{"timeout too short", func(c *Config) { c.TimeoutSeconds = 1 }, true},
		{"snr threshold too low", func(c *Config) { v := -99.0; c.MinSNRThreshold = &v }, true},
		{"consecutive failures zero", func(c *Config) { c.EmergencyStopConfig.ConsecutiveFailures = 0 }, true},
		{"throttle multiplier zero", func(c *Config) { c.Congestion.ThrottleMultiplier = 0 }, true},
	}

	for _, tc := range tests {
		cfg := Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: expected no error, got %v", tc.name, err)
		}
	}
}

func TestFillMissingDefaultsBackfillsPartialDocument(t *testing.T) {
	cfg := Config{}
	cfg.FillMissingDefaults()

	if cfg.MaxHops != Default().MaxHops {
		t.Fatalf("expected max_hops backfilled to default, got %d", cfg.MaxHops)
	}
	if cfg.QueueOverflowStrategy != OverflowDropLowestPriority {
		t.Fatalf("expected overflow strategy backfilled, got %q", cfg.QueueOverflowStrategy)
	}
	if len(cfg.ExcludeRoles) != 1 || cfg.ExcludeRoles[0] != "CLIENT" {
		t.Fatalf("expected exclude_roles backfilled, got %v", cfg.ExcludeRoles)
	}
}
