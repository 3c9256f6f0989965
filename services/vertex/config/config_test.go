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

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "vertexd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"default"}, cfg.Graphs)
	assert.Equal(t, 250*time.Millisecond, cfg.Access.PartialWindow)
	assert.Equal(t, 20*time.Millisecond, cfg.Access.OpFailBackoff)
	assert.Equal(t, 5*time.Second, cfg.Access.SynchronizedTimeout)
	assert.True(t, cfg.Storage.InMemory)
}

func TestLoad(t *testing.T) {
	t.Run("empty path uses defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
server:
  addr: 0.0.0.0:9000
graphs: [people, places]
access:
  partial_window: 100ms
  max_writable_report: 8
logging:
  level: debug
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
		assert.Equal(t, []string{"people", "places"}, cfg.Graphs)
		assert.Equal(t, 100*time.Millisecond, cfg.Access.PartialWindow)
		assert.Equal(t, 8, cfg.Access.MaxWritableReport)
		assert.Equal(t, 20*time.Millisecond, cfg.Access.OpFailBackoff)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "logging:\n  level: debug\n")
		dataDir := t.TempDir()
		t.Setenv("VERTEX_LOG_LEVEL", "WARN")
		t.Setenv("VERTEX_GRAPHS", "a, b,,c")
		t.Setenv("VERTEX_DATA_DIR", dataDir)
		t.Setenv("VERTEX_PARTIAL_WINDOW", "50ms")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, []string{"a", "b", "c"}, cfg.Graphs)
		assert.Equal(t, dataDir, cfg.Storage.Path)
		assert.False(t, cfg.Storage.InMemory)
		assert.Equal(t, 50*time.Millisecond, cfg.Access.PartialWindow)
	})

	t.Run("bad environment value", func(t *testing.T) {
		t.Setenv("VERTEX_LOG_JSON", "maybe")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "server: [")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero partial window", func(c *Config) { c.Access.PartialWindow = 0 }},
		{"negative backoff", func(c *Config) { c.Access.OpFailBackoff = -time.Millisecond }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad address", func(c *Config) { c.Server.Addr = "nowhere" }},
		{"graph name with separator", func(c *Config) { c.Graphs = []string{"a::b"} }},
		{"empty graph name", func(c *Config) { c.Graphs = []string{""} }},
		{"duplicate graph", func(c *Config) { c.Graphs = []string{"a", "a"} }},
		{"discard ratio out of range", func(c *Config) { c.Storage.GCDiscardRatio = 1.5 }},
		{"bad trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "carrier-pigeon" }},
		{"short auth token", func(c *Config) { c.Auth.Tokens = map[string]string{"short": "alice"} }},
		{"auth token without user", func(c *Config) { c.Auth.Tokens = map[string]string{"0123456789abcdef": ""} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	writeConfig(t, dir, "logging:\n  level: [\n")
	writeConfig(t, dir, "logging:\n  level: debug\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("configuration change not observed")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Error(t, Watch(context.Background(), "", func(*Config) {}))
}
