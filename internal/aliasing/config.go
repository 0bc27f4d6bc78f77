// Package aliasing provides pattern-based domain-type classification
// overrides, letting operators pin a source domain to a DomainType without
// waiting on the LLM annotation stage.
//
// Example configuration (.search-transparency.yaml):
//
//	domain_patterns:
//	  - pattern: "*.gov"
//	    domainType: "government"
//	  - pattern: "*.edu"
//	    domainType: "academic"
package aliasing

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/search-transparency/runner/internal/config"
	"github.com/search-transparency/runner/internal/storage"
)

type (
	// DomainPattern defines a glob-style rule pinning matching domains to a
	// DomainType. Patterns are evaluated in order; first match wins.
	//
	// Pattern syntax:
	//   - {variable} captures any characters except "/"
	//   - {variable*} captures any characters including "/" (for paths)
	//   - Literal characters match exactly
	DomainPattern struct {
		Pattern string `yaml:"pattern"`
		//nolint:tagliatelle // domainType (camelCase) matches the YAML authoring convention used elsewhere in this file
		DomainType storage.DomainType `yaml:"domainType"`
	}

	// Config holds domain pattern overrides loaded from .search-transparency.yaml.
	Config struct {
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		DomainPatterns []DomainPattern `yaml:"domain_patterns"`
	}
)

const (
	// DefaultConfigPath is the default location for the runner's configuration file.
	DefaultConfigPath = ".search-transparency.yaml"

	// ConfigPathEnvVar is the environment variable name for a custom config path.
	ConfigPathEnvVar = "SEARCH_TRANSPARENCY_CONFIG_PATH"
)

// LoadConfig loads pattern configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - patterns are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		DomainPatterns: []DomainPattern{},
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("config file not found, continuing without domain patterns", slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("failed to read config file, continuing without domain patterns",
			slog.String("path", path), slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("failed to parse config file, continuing without domain patterns",
			slog.String("path", path), slog.String("error", err.Error()))

		return &Config{DomainPatterns: []DomainPattern{}}, nil
	}

	if cfg.DomainPatterns == nil {
		cfg.DomainPatterns = []DomainPattern{}
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path specified in
// SEARCH_TRANSPARENCY_CONFIG_PATH, falling back to DefaultConfigPath.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
