// Package config provides configuration loading and environment resolution
// for the latticebench adapter.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all file-level configuration for latticebench.
type Config struct {
	Harness HarnessConfig `toml:"harness"`
	Docker  DockerConfig  `toml:"docker"`
	Payload PayloadConfig `toml:"payload"`
}

// HarnessConfig contains harness-side settings.
type HarnessConfig struct {
	LogsDir string `toml:"logs_dir"` // Base directory for per-run log directories
	EnvFile string `toml:"env_file"` // Optional .env file merged under the real environment
}

// DockerConfig contains Docker-related settings for standalone runs.
type DockerConfig struct {
	Image    string `toml:"image"`
	AutoPull bool   `toml:"auto_pull"`
}

// PayloadConfig describes the app payload staged into the sandbox.
type PayloadConfig struct {
	Root    string   `toml:"root"`    // Host path of the lattice app checkout
	Include []string `toml:"include"` // Relative include paths; empty means built-in defaults
}

// Default configuration values.
var Default = Config{
	Harness: HarnessConfig{
		LogsDir: "./runs",
	},
	Docker: DockerConfig{
		Image:    "ghcr.io/lattice-dev/lattice-bench:latest",
		AutoPull: true,
	},
}

// configPaths returns the list of paths to search for config files.
func configPaths() []string {
	paths := []string{"./latticebench.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".latticebench.toml"))
		paths = append(paths, filepath.Join(home, ".config", "latticebench", "config.toml"))
	}

	return paths
}

// Load loads configuration from a file or discovers it automatically.
// If configFile is empty, it searches standard locations.
// Returns default config if no file is found.
func Load(configFile string) (*Config, error) {
	cfg := Default // Start with defaults

	var path string
	if configFile != "" {
		path = configFile
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	} else {
		for _, p := range configPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		return &cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Ensure critical fields aren't zeroed out by partial config
	if cfg.Harness.LogsDir == "" {
		cfg.Harness.LogsDir = Default.Harness.LogsDir
	}
	if cfg.Docker.Image == "" {
		cfg.Docker.Image = Default.Docker.Image
	}

	return &cfg, nil
}
