package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.PageSize != 500 || cfg.Engine.ChunkSize != 25 {
		t.Fatalf("unexpected defaults: %+v", cfg.Engine)
	}
	if cfg.RetryBackoff() != 50*time.Millisecond {
		t.Fatalf("backoff = %v", cfg.RetryBackoff())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.GraceDays != 5 {
		t.Fatalf("grace days = %d, want default 5", cfg.Engine.GraceDays)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yml := []byte("engine:\n  page_size: 100\n  grace_days: 2\nserver:\n  base_path: /api\n")
	if err := os.WriteFile(filepath.Join(dir, "volumetry.yml"), yml, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.PageSize != 100 || cfg.Engine.GraceDays != 2 {
		t.Fatalf("overrides not applied: %+v", cfg.Engine)
	}
	if cfg.Server.BasePath != "/api" {
		t.Fatalf("base path = %q", cfg.Server.BasePath)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Engine.ChunkSize != 25 {
		t.Fatalf("chunk size = %d, want 25", cfg.Engine.ChunkSize)
	}
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"page size zero", func(c *Config) { c.Engine.PageSize = 0 }},
		{"page size over cap", func(c *Config) { c.Engine.PageSize = MaxPageSize + 1 }},
		{"chunk size zero", func(c *Config) { c.Engine.ChunkSize = 0 }},
		{"chunk size over cap", func(c *Config) { c.Engine.ChunkSize = 101 }},
		{"negative grace days", func(c *Config) { c.Engine.GraceDays = -1 }},
		{"grace days over a month", func(c *Config) { c.Engine.GraceDays = 32 }},
		{"zero retry attempts", func(c *Config) { c.Engine.RetryAttempts = 0 }},
		{"negative backoff", func(c *Config) { c.Engine.RetryBackoffMs = -1 }},
		{"empty base path", func(c *Config) { c.Server.BasePath = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := FromYAML([]byte("engine: [not a map]")); err == nil {
		t.Fatal("expected parse error")
	}
}
