// Package config provides YAML configuration loading for procjack's CLI
// front-ends: default paths and tunables the core engine takes no opinion
// on.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the operator-tunable defaults for the injector CLIs.
type Config struct {
	// DefaultLibcPath is used when a command is given an empty libc path.
	// Defaults to "/lib/x86_64-linux-gnu/libc.so.6" when omitted.
	DefaultLibcPath string `yaml:"default_libc_path"`

	// ScratchMappingSize is the size in bytes of the anonymous mapping the
	// library injector allocates to hold a library path and a scratch stack.
	// Defaults to 8192 when omitted.
	ScratchMappingSize int `yaml:"scratch_mapping_size"`

	// WaitTimeoutSeconds bounds how long a CLI command waits on a tracee
	// stop before giving up. 0 means wait forever, matching spec.md's "no
	// required timeout" (O-3). Defaults to 0 when omitted.
	WaitTimeoutSeconds int `yaml:"wait_timeout_seconds"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML file at path and applies defaults. A missing file is
// not an error: Load returns the all-defaults Config, since none of these
// settings are mandatory for procjack to run.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(cfg)

	if !validLogLevels[cfg.LogLevel] {
		return nil, fmt.Errorf(
			"config: log_level %q must be one of: debug, info, warn, error",
			cfg.LogLevel)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DefaultLibcPath == "" {
		cfg.DefaultLibcPath = "/lib/x86_64-linux-gnu/libc.so.6"
	}
	if cfg.ScratchMappingSize == 0 {
		cfg.ScratchMappingSize = 8192
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
