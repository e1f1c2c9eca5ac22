// Package config provides configuration loading and management for zprojector.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"zprojector/pkg/logging"
	"zprojector/pkg/precomputed"
	"zprojector/pkg/projection"
)

// Config represents the application configuration
type Config struct {
	// HTTP server parameters
	Server struct {
		// Address is the host:port the trigger form and volume sources listen on
		Address string `yaml:"address" toml:"address"`

		// NeuroglancerURL is the neuroglancer client that viewer links open
		NeuroglancerURL string `yaml:"neuroglancerURL" toml:"neuroglancer_url"`

		// CORSOrigins lists origins allowed to fetch volume chunks
		CORSOrigins []string `yaml:"corsOrigins" toml:"cors_origins"`

		// ReadTimeoutSeconds bounds how long a request body may take to arrive
		ReadTimeoutSeconds int `yaml:"readTimeoutSeconds" toml:"read_timeout_seconds"`

		// MaxSessions caps live viewer sessions; the oldest is dropped first
		MaxSessions int `yaml:"maxSessions" toml:"max_sessions"`
	} `yaml:"server" toml:"server"`

	// Input volume parameters
	Data struct {
		// InputDir holds the Z-ordered slice images
		InputDir string `yaml:"inputDir" toml:"input_dir"`

		// IntensityScale maps 16-bit samples v to v*IntensityScale/256
		IntensityScale float64 `yaml:"intensityScale" toml:"intensity_scale"`

		// VoxelSize is the physical voxel size along x, y and z
		VoxelSize [3]float64 `yaml:"voxelSize" toml:"voxel_size"`

		// Units names the physical unit of VoxelSize: pm, nm, um, mm, cm or m
		Units string `yaml:"units" toml:"units"`

		// ChunkSize is the x, y, z extent of chunks served to the viewer
		ChunkSize [3]int `yaml:"chunkSize" toml:"chunk_size"`
	} `yaml:"data" toml:"data"`

	// Z-projection parameters
	Projection struct {
		// NumLayers is the window half-width used for new sessions
		NumLayers int `yaml:"numLayers" toml:"num_layers"`

		// Mode is "eager" or "lazy"
		Mode string `yaml:"mode" toml:"mode"`

		// Strategy is "naive" or "sliding" (eager mode only)
		Strategy string `yaml:"strategy" toml:"strategy"`

		// Workers bounds eager projection goroutines
		Workers int `yaml:"workers" toml:"workers"`
	} `yaml:"projection" toml:"projection"`

	Logging logging.Config `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = "127.0.0.1:8081"
	cfg.Server.NeuroglancerURL = "http://localhost:8080"
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Server.ReadTimeoutSeconds = 60
	cfg.Server.MaxSessions = 8

	cfg.Data.IntensityScale = 10
	cfg.Data.VoxelSize = [3]float64{10, 10, 10}
	cfg.Data.Units = "nm"
	cfg.Data.ChunkSize = [3]int{64, 64, 64}

	cfg.Projection.NumLayers = 5
	cfg.Projection.Mode = "lazy"
	cfg.Projection.Strategy = "naive"
	cfg.Projection.Workers = runtime.NumCPU()

	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 28

	return cfg
}

// LoadConfig loads configuration from a YAML file, or a TOML file when the
// path ends in .toml. If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address must not be empty")
	}
	if c.Server.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be at least 1, got %d", c.Server.MaxSessions)
	}
	if c.Data.IntensityScale <= 0 {
		return fmt.Errorf("intensity scale must be positive, got %g", c.Data.IntensityScale)
	}
	for i, s := range c.Data.VoxelSize {
		if s <= 0 {
			return fmt.Errorf("voxel size %d must be positive, got %g", i, s)
		}
	}
	if _, err := precomputed.Nanometers(c.Data.VoxelSize, c.Data.Units); err != nil {
		return fmt.Errorf("data units: %w", err)
	}
	for i, s := range c.Data.ChunkSize {
		if s <= 0 {
			return fmt.Errorf("chunk size %d must be positive, got %d", i, s)
		}
	}
	if c.Projection.NumLayers < 0 {
		return fmt.Errorf("numLayers must be non-negative, got %d: %w",
			c.Projection.NumLayers, projection.ErrInvalidParameter)
	}
	if _, err := projection.ParseMode(c.Projection.Mode); err != nil {
		return err
	}
	if _, err := projection.ParseStrategy(c.Projection.Strategy); err != nil {
		return err
	}
	return nil
}

// ProjectionOptions returns the eager projector options described by c.
func (c *Config) ProjectionOptions() (projection.Mode, projection.Options, error) {
	mode, err := projection.ParseMode(c.Projection.Mode)
	if err != nil {
		return mode, projection.Options{}, err
	}
	strategy, err := projection.ParseStrategy(c.Projection.Strategy)
	if err != nil {
		return mode, projection.Options{}, err
	}
	return mode, projection.Options{Strategy: strategy, Workers: c.Projection.Workers}, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
