// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package config loads server configuration from an optional YAML file with
// environment-variable overrides. The heuristic tunables (waiting-state
// clear thresholds, health-check deadline, recovery grace) live here so
// deployments can adjust them without a rebuild.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
// Bare numbers are taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration.
type Config struct {
	Port           int    `yaml:"port"`
	DataDir        string `yaml:"data_dir"`
	WorkspaceBase  string `yaml:"workspace_base"`
	AllowedOrigins string `yaml:"allowed_origins"`
	TmuxBin        string `yaml:"tmux_bin"`
	AgentBin       string `yaml:"agent_bin"`
	Debug          bool   `yaml:"debug"`

	// MaxOutputLog caps the persisted output tail per session, in bytes.
	// The true cumulative byte counter is never capped.
	MaxOutputLog int `yaml:"max_output_log"`

	// PersistInterval bounds data loss on an ungraceful crash: the output
	// tail and sequence watermarks are flushed this often.
	PersistInterval Duration `yaml:"persist_interval"`

	// Startup health check: a non-shell session that produced no credible
	// output HealthDelay after spawn is force-killed.
	HealthDelay      Duration `yaml:"health_delay"`
	HealthMinVisible int      `yaml:"health_min_visible"`

	// Waiting-state detector tunables.
	WaitingClearGrace Duration `yaml:"waiting_clear_grace"`
	WaitingClearBytes int      `yaml:"waiting_clear_bytes"`

	// RecoveryGrace suppresses waiting-state clears after reattachment to
	// absorb the multiplexer's repaint burst.
	RecoveryGrace Duration `yaml:"recovery_grace"`

	// CleanupInterval is how often the router sweeps running records for
	// orphans.
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:              8090,
		DataDir:           "/var/lib/orcarelay",
		WorkspaceBase:     "/workspace",
		AgentBin:          "claude",
		MaxOutputLog:      500 * 1024,
		PersistInterval:   Duration(10 * time.Second),
		HealthDelay:       Duration(15 * time.Second),
		HealthMinVisible:  20,
		WaitingClearGrace: Duration(2 * time.Second),
		WaitingClearBytes: 100,
		RecoveryGrace:     Duration(5 * time.Second),
		CleanupInterval:   Duration(60 * time.Second),
	}
}

// Load reads path (if non-empty) over the defaults, then applies env
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if cfg.MaxOutputLog <= 0 {
		return cfg, fmt.Errorf("max_output_log must be positive")
	}
	if cfg.PersistInterval <= 0 {
		return cfg, fmt.Errorf("persist_interval must be positive")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("WORKSPACE_BASE"); v != "" {
		c.WorkspaceBase = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = v
	}
	if v := os.Getenv("TMUX_BIN"); v != "" {
		c.TmuxBin = v
	}
	if v := os.Getenv("AGENT_BIN"); v != "" {
		c.AgentBin = v
	}
	if v := os.Getenv("DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
}
