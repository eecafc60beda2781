// Package config holds the YAML configuration for the kiln CLI: sampler
// defaults and logging. The library itself is configured programmatically;
// this only feeds the outer command surface.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of kiln.yaml.
type Config struct {
	Sampler SamplerConfig `yaml:"sampler"`
	Logging LoggingConfig `yaml:"logging"`
}

// SamplerConfig sets run defaults, overridable by flags.
type SamplerConfig struct {
	// Algorithm selects the strategy: "nuts" or "ancestral-mh".
	Algorithm string `yaml:"algorithm"`

	NumSamples         int    `yaml:"num_samples"`
	NumAdaptiveSamples int    `yaml:"num_adaptive_samples"`
	NumChains          int    `yaml:"num_chains"`
	Seed               uint64 `yaml:"seed"`
}

// LoggingConfig controls CLI logging.
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the defaults used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sampler: SamplerConfig{
			Algorithm:          "nuts",
			NumSamples:         1000,
			NumAdaptiveSamples: 500,
			NumChains:          4,
		},
	}
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects configurations the samplers would refuse anyway, so the
// failure happens at load time with a file-oriented message.
func (c *Config) Validate() error {
	switch c.Sampler.Algorithm {
	case "nuts", "ancestral-mh":
	default:
		return fmt.Errorf("config: unknown algorithm %q", c.Sampler.Algorithm)
	}
	if c.Sampler.NumSamples <= 0 {
		return fmt.Errorf("config: num_samples must be positive, got %d", c.Sampler.NumSamples)
	}
	if c.Sampler.NumAdaptiveSamples < 0 {
		return fmt.Errorf("config: num_adaptive_samples must be non-negative, got %d", c.Sampler.NumAdaptiveSamples)
	}
	if c.Sampler.NumChains <= 0 {
		return fmt.Errorf("config: num_chains must be positive, got %d", c.Sampler.NumChains)
	}
	return nil
}
