package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"zprojector/pkg/projection"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}
	if cfg.Projection.NumLayers != 5 {
		t.Errorf("Expected 5 layers, got %d", cfg.Projection.NumLayers)
	}
	if cfg.Data.IntensityScale != 10 {
		t.Errorf("Expected intensity scale 10, got %g", cfg.Data.IntensityScale)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults for a missing file, got %v", err)
	}
	if cfg.Server.Address != DefaultConfig().Server.Address {
		t.Errorf("Expected default address, got %q", cfg.Server.Address)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"zprojector.yaml", "zprojector.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "conf", name)
			cfg := DefaultConfig()
			cfg.Projection.NumLayers = 2
			cfg.Projection.Mode = "eager"
			cfg.Projection.Strategy = "sliding"
			cfg.Data.InputDir = "/data/stack"
			cfg.Logging.Debug = true

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("Failed to save config: %v", err)
			}
			loaded, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			if loaded.Projection.NumLayers != 2 || loaded.Projection.Mode != "eager" {
				t.Errorf("Expected eager with 2 layers, got %s with %d",
					loaded.Projection.Mode, loaded.Projection.NumLayers)
			}
			if loaded.Data.InputDir != "/data/stack" {
				t.Errorf("Expected input dir /data/stack, got %q", loaded.Data.InputDir)
			}
			if !loaded.Logging.Debug {
				t.Error("Expected debug logging to survive the round trip")
			}

			mode, opts, err := loaded.ProjectionOptions()
			if err != nil {
				t.Fatalf("ProjectionOptions failed: %v", err)
			}
			if mode != projection.Eager || opts.Strategy != projection.SlidingMax {
				t.Errorf("Expected eager/sliding, got %v/%v", mode, opts.Strategy)
			}
		})
	}
}

func TestLoadTOMLKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zprojector.toml")
	content := `
[server]
address = "0.0.0.0:9000"

[projection]
num_layers = 3
mode = "lazy"

[logging]
max_log_size = 7
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Server.Address != "0.0.0.0:9000" {
		t.Errorf("Expected address 0.0.0.0:9000, got %q", cfg.Server.Address)
	}
	if cfg.Projection.NumLayers != 3 {
		t.Errorf("Expected 3 layers, got %d", cfg.Projection.NumLayers)
	}
	if cfg.Logging.MaxSize != 7 {
		t.Errorf("Expected max log size 7, got %d", cfg.Logging.MaxSize)
	}
	if cfg.Data.ChunkSize != DefaultConfig().Data.ChunkSize {
		t.Errorf("Expected default chunk size to be kept, got %v", cfg.Data.ChunkSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative layers", func(c *Config) { c.Projection.NumLayers = -1 }},
		{"unknown mode", func(c *Config) { c.Projection.Mode = "streaming" }},
		{"unknown strategy", func(c *Config) { c.Projection.Strategy = "fft" }},
		{"empty address", func(c *Config) { c.Server.Address = "" }},
		{"zero voxel", func(c *Config) { c.Data.VoxelSize[2] = 0 }},
		{"zero chunk", func(c *Config) { c.Data.ChunkSize[0] = 0 }},
		{"zero scale", func(c *Config) { c.Data.IntensityScale = 0 }},
		{"no sessions", func(c *Config) { c.Server.MaxSessions = 0 }},
		{"unknown units", func(c *Config) { c.Data.Units = "inch" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation to fail")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Data.Units = "um"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected um to be accepted, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.Projection.NumLayers = -3
	if err := cfg.Validate(); !errors.Is(err, projection.ErrInvalidParameter) {
		t.Errorf("Expected ErrInvalidParameter, got %v", err)
	}
}
