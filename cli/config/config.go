package config

import (
	"fmt"
	"time"
)

// Config represents an optional buntime.yaml bootstrap file. Every field
// except ShutdownGrace mirrors one of the environment variables from spec
// §6 (APPS_DIR, PORT, POOL_SIZE, APP_SHELL, DELAY_MS, NODE_ENV);
// ShutdownGrace has no environment variable. This file only supplies
// defaults. The environment always wins: cmd/buntime loads this file
// first, then overlays whatever env vars are actually set.
type Config struct {
	AppsDir       string   `yaml:"apps_dir"`
	Port          int      `yaml:"port"`
	PoolSize      int      `yaml:"pool_size"`
	AppShell      string   `yaml:"app_shell"`
	DelayMs       int      `yaml:"delay_ms"`
	NodeEnv       string   `yaml:"node_env"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
