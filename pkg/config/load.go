package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from a byte slice. Fields absent from
// the input keep their defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	config := DefaultConfig()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvironmentOverrides(config)

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
func applyEnvironmentOverrides(config *Config) {
	// Storage overrides
	if driver := os.Getenv("SWARMMEM_STORAGE_DRIVER"); driver != "" {
		config.Storage.Driver = driver
	}
	if path := os.Getenv("SWARMMEM_STORAGE_PATH"); path != "" {
		config.Storage.Path = path
	}
	if dsn := os.Getenv("SWARMMEM_STORAGE_DSN"); dsn != "" {
		config.Storage.DSN = dsn
	}

	// Sync overrides
	if host := os.Getenv("SWARMMEM_SYNC_HOST"); host != "" {
		config.Sync.Host = host
	}
	if port := os.Getenv("SWARMMEM_SYNC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Sync.Port = p
		}
	}

	// OpenAI API key override
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.Pattern.OpenAI.APIKey = apiKey
	}
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	switch strings.ToLower(config.Storage.Driver) {
	case "memory", "bolt", "sqlite":
		// file-backed drivers need a path; memory needs nothing
		if config.Storage.Driver != "memory" && config.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the %s driver", config.Storage.Driver)
		}
	case "postgres":
		if config.Storage.DSN == "" {
			return fmt.Errorf("storage dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", config.Storage.Driver)
	}

	if config.TTL.MemorySeconds < 0 || config.TTL.HintSeconds < 0 {
		return fmt.Errorf("ttl defaults must be >= 0")
	}

	switch strings.ToLower(config.Pattern.Embedder) {
	case "hash":
	case "openai":
		if config.Pattern.OpenAI.APIKey == "" {
			return fmt.Errorf("openai api key is required for the openai embedder")
		}
	default:
		return fmt.Errorf("unsupported pattern embedder: %s", config.Pattern.Embedder)
	}

	switch strings.ToLower(config.Pattern.Index) {
	case "hnsw", "chromem":
	default:
		return fmt.Errorf("unsupported pattern index: %s", config.Pattern.Index)
	}

	if config.Pattern.Dimension <= 0 {
		return fmt.Errorf("pattern dimension must be > 0")
	}
	if config.Pattern.SimilarityThreshold <= 0 || config.Pattern.SimilarityThreshold > 1 {
		return fmt.Errorf("pattern similarity threshold must be in (0, 1]")
	}

	if config.Learning.Alpha <= 0 || config.Learning.Alpha > 1 {
		return fmt.Errorf("learning alpha must be in (0, 1]")
	}
	if config.Learning.Gamma < 0 || config.Learning.Gamma >= 1 {
		return fmt.Errorf("learning gamma must be in [0, 1)")
	}
	if config.Learning.UpdateFrequency <= 0 {
		return fmt.Errorf("learning update frequency must be > 0")
	}

	if config.Sync.Enabled {
		if config.Sync.Port <= 0 || config.Sync.Port > 65535 {
			return fmt.Errorf("sync port must be a valid TCP port")
		}
		if config.Sync.SyncIntervalMs <= 0 {
			return fmt.Errorf("sync interval must be > 0")
		}
		if config.Sync.MaxPeers <= 0 {
			return fmt.Errorf("sync max peers must be > 0")
		}
		if len(config.Sync.Peers) > config.Sync.MaxPeers {
			return fmt.Errorf("configured peers exceed max peers (%d)", config.Sync.MaxPeers)
		}
	}

	if config.Sweep.IntervalMs <= 0 {
		return fmt.Errorf("sweep interval must be > 0")
	}

	return nil
}
