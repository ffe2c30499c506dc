// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DATA_DIR", "AGENT_BIN", "DEBUG"} {
		t.Setenv(key, "")
	}
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8090, cfg.Port)
	require.Equal(t, "claude", cfg.AgentBin)
	require.Equal(t, 500*1024, cfg.MaxOutputLog)
	require.Equal(t, 2*time.Second, cfg.WaitingClearGrace.Std())
	require.Equal(t, 100, cfg.WaitingClearBytes)
	require.False(t, cfg.Debug)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9999
agent_bin: /usr/local/bin/claude
health_delay: 30s
waiting_clear_bytes: 250
debug: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "/usr/local/bin/claude", cfg.AgentBin)
	require.Equal(t, 30*time.Second, cfg.HealthDelay.Std())
	require.Equal(t, 250, cfg.WaitingClearBytes)
	require.True(t, cfg.Debug)
	// Untouched keys keep their defaults.
	require.Equal(t, "/var/lib/orcarelay", cfg.DataDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [nonsense"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_output_log: -1"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_output_log")
}

func TestDurationForms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("persist_interval: 500ms\ncleanup_interval: 30\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, cfg.PersistInterval.Std())
	// Bare numbers are seconds.
	require.Equal(t, 30*time.Second, cfg.CleanupInterval.Std())

	require.NoError(t, os.WriteFile(path, []byte("health_delay: soon"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("AGENT_BIN", "/opt/agent")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:*")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Port)
	require.Equal(t, "/opt/agent", cfg.AgentBin)
	require.Equal(t, "http://localhost:*", cfg.AllowedOrigins)
	require.True(t, cfg.Debug)
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9999"), 0o644))
	t.Setenv("PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Port)
}
