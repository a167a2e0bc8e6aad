// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8501", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Session.InactivityTimeout)
	assert.Equal(t, "memory", cfg.Cache.Backend)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "reflow.yaml", `
server:
  addr: ":9000"
  ws_path: /stream
session:
  inactivity_timeout: 90s
  execution_timeout: 2s
  staleness_window: 3
cache:
  backend: badger
  path: /tmp/reflow-cache
logging:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/stream", cfg.Server.WSPath)
	assert.Equal(t, 90*time.Second, cfg.Session.InactivityTimeout)
	assert.Equal(t, 2*time.Second, cfg.Session.ExecutionTimeout)
	assert.Equal(t, 3, cfg.Session.StalenessWindow)
	assert.Equal(t, "badger", cfg.Cache.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Server.EventBurst, cfg.Server.EventBurst)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "reflow.toml", `
[server]
addr = ":9100"

[session]
sweep_interval = "10s"

[cache]
backend = "redis"
redis_url = "redis://localhost:6379/0"
redis_prefix = "demo:"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Session.SweepInterval)

	s := cfg.Cache.Settings()
	assert.Equal(t, "redis", s.Backend)
	assert.Equal(t, "redis://localhost:6379/0", s.RedisURL)
	assert.Equal(t, "demo:", s.RedisPrefix)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unsupported extension", "reflow.json", `{}`},
		{"malformed yaml", "reflow.yaml", "server: [\n"},
		{"unknown backend", "reflow.yaml", "cache:\n  backend: memcached\n"},
		{"badger without path", "reflow.yaml", "cache:\n  backend: badger\n"},
		{"relative ws path", "reflow.yaml", "server:\n  ws_path: ws\n"},
		{"bad log level", "reflow.yaml", "logging:\n  level: chatty\n"},
		{"zero staleness window", "reflow.yaml", "session:\n  staleness_window: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "reflow.yaml", "server:\n  addr: \":9000\"\nlogging:\n  level: warn\n")
	t.Setenv("REFLOW_ADDR", ":7000")
	t.Setenv("REFLOW_EXECUTION_TIMEOUT", "750ms")
	t.Setenv("REFLOW_EVENT_RATE", "12.5")
	t.Setenv("REFLOW_LOG_JSON", "true")
	t.Setenv("REFLOW_STALENESS_WINDOW", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.Session.ExecutionTimeout)
	assert.InDelta(t, 12.5, cfg.Server.EventRate, 1e-9)
	assert.True(t, cfg.Logging.JSON)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, Default().Session.StalenessWindow, cfg.Session.StalenessWindow)
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "REFLOW_TEST_ONLY_VAR=from-file\n")
	t.Setenv("REFLOW_TEST_ONLY_VAR", "")
	require.NoError(t, os.Unsetenv("REFLOW_TEST_ONLY_VAR"))

	require.NoError(t, LoadEnvFile(path, true))
	assert.Equal(t, "from-file", os.Getenv("REFLOW_TEST_ONLY_VAR"))

	missing := filepath.Join(t.TempDir(), ".env")
	assert.NoError(t, LoadEnvFile(missing, false))
	assert.Error(t, LoadEnvFile(missing, true))
}

func TestSessionConfig_ManagerConfig(t *testing.T) {
	sc := Default().Session
	mc := sc.ManagerConfig()
	assert.Equal(t, sc.InactivityTimeout, mc.InactivityTimeout)
	assert.Equal(t, sc.SweepInterval, mc.SweepInterval)
	assert.Equal(t, sc.StalenessWindow, mc.StalenessWindow)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "reflow.yaml", "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	errc := make(chan error, 1)
	go func() {
		errc <- Watch(ctx, path, nil, func(c Config) { got <- c })
	}()

	// The watcher may not be registered yet; keep rewriting until a
	// reload is observed.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-got:
			if c.Logging.Level == "debug" {
				cancel()
				require.NoError(t, <-errc)
				return
			}
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatch_SkipsInvalidEdits(t *testing.T) {
	path := writeFile(t, "reflow.yaml", "logging:\n  level: info\n")

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	got := make(chan Config, 4)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(path, []byte("logging:\n  level: chatty\n"), 0o600)
	}()
	require.NoError(t, Watch(ctx, path, nil, func(c Config) { got <- c }))
	assert.Empty(t, got)
}
