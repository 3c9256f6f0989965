// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVertex/pkg/extensions"
	"github.com/AleutianAI/AleutianVertex/pkg/logging"
	"github.com/AleutianAI/AleutianVertex/pkg/ux"
	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/config"
	"github.com/AleutianAI/AleutianVertex/services/vertex/graph"
)

func newStressGraph(t *testing.T) *graph.Graph {
	t.Helper()
	cfg := config.Default()
	cfg.Graphs = nil
	registry := graph.NewRegistry(cfg)
	require.NoError(t, registry.Init(context.Background()))
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	gh, err := openStressGraph(context.Background(), registry)
	require.NoError(t, err)
	assert.False(t, gh.IsBorrowed())
	assert.Equal(t, []string{stressGraph}, registry.Names())
	return gh.Graph()
}

func TestStressOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*stressOptions)
		ok     bool
	}{
		{"defaults", func(*stressOptions) {}, true},
		{"no sessions", func(o *stressOptions) { o.Sessions = 0 }, false},
		{"no ops", func(o *stressOptions) { o.Ops = 0 }, false},
		{"no vertices", func(o *stressOptions) { o.Vertices = 0 }, false},
		{"no locks", func(o *stressOptions) { o.Locks = 0 }, false},
		{"batch larger than pool", func(o *stressOptions) { o.BatchSize = o.Vertices + 1 }, false},
		{"negative timeout", func(o *stressOptions) { o.Timeout = -time.Second }, false},
		{"zero timeout", func(o *stressOptions) { o.Timeout = 0 }, true},
		{"negative hold", func(o *stressOptions) { o.Hold = -time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultStressOptions()
			tt.mutate(&opts)
			err := opts.validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errBadStressOptions)
			}
		})
	}
}

func TestRunStress(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		hold    time.Duration
	}{
		{"fail fast", 0, 0},
		{"waiting", 20 * time.Millisecond, time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newStressGraph(t)
			opts := stressOptions{
				Sessions:  8,
				Ops:       40,
				Vertices:  6,
				BatchSize: 3,
				Locks:     2,
				Timeout:   tt.timeout,
				Hold:      tt.hold,
				Seed:      42,
			}

			res, err := runStress(context.Background(), g, opts)
			require.NoError(t, err)

			totals := res.totals()
			assert.Equal(t, opts.Sessions*opts.Ops, totals.total())
			assert.Zero(t, totals.Failed)
			assert.Positive(t, totals.OK)
			for _, op := range []string{"open", "batch", "lock"} {
				require.Contains(t, res.Ops, op)
			}

			ids := make([]string, opts.Vertices)
			for i := range ids {
				ids[i] = vertexName(i)
			}
			s := access.NewSession()
			hs, err := g.OpenVertices(context.Background(), s, ids, "w", 0)
			require.NoError(t, err, "every session released what it held")
			assert.Len(t, hs, opts.Vertices)
			g.CloseAll(s)
		})
	}
}

func TestRunStress_Cancelled(t *testing.T) {
	g := newStressGraph(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := defaultStressOptions()
	opts.Seed = 1
	_, err := runStress(ctx, g, opts)
	assert.Error(t, err)
}

func TestRenderStress_Plain(t *testing.T) {
	res := &stressResult{
		Ops: map[string]*opStats{
			"lock":  {OK: 3, Busy: 1, Elapsed: 4 * time.Millisecond},
			"batch": {OK: 2, Timeout: 2, Elapsed: 8 * time.Millisecond},
		},
		Elapsed: time.Second,
	}
	var buf bytes.Buffer
	renderStress(ux.NewPlainPrinter(&buf), res, defaultStressOptions())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "Workload: 16 sessions x 200 ops on 64 vertices, batch 4, 4 locks, timeout 50ms", lines[0])
	assert.Equal(t, "op\tok\tbusy\ttimeout\tfailed\tavg", lines[1])
	assert.Equal(t, "batch\t2\t0\t2\t0\t2ms", lines[2])
	assert.Equal(t, "lock\t3\t1\t0\t0\t1ms", lines[3])
	assert.Equal(t, "total\t5\t1\t2\t0\t1.5ms", lines[4])
	assert.Equal(t, "8 operations in 1s (8 ops/s)", lines[5])
	assert.Equal(t, "Succeeded 5/8", lines[6])
	assert.Equal(t, "OK: No failures outside contention", lines[7])
}

func TestRenderStress_Failures(t *testing.T) {
	res := &stressResult{
		Ops:     map[string]*opStats{"open": {OK: 1, Failed: 1, Elapsed: time.Millisecond}},
		Elapsed: time.Second,
	}
	var buf bytes.Buffer
	renderStress(ux.NewPrinter(&buf), res, defaultStressOptions())

	out := buf.String()
	assert.Contains(t, out, "Succeeded 1/2\n")
	assert.Contains(t, out, "WARN: 1 operations failed outside contention")
	assert.NotContains(t, out, "OK: ")
}

func TestApplyReload(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelInfo, Output: &buf})

	next := config.Default()
	next.Logging.Level = "debug"
	applyReload(logger, &next)
	assert.Equal(t, logging.LevelDebug, logger.Level())
	assert.Contains(t, buf.String(), "Log level changed")

	logLevel = "warn"
	t.Cleanup(func() { logLevel = "" })
	next.Logging.Level = "error"
	applyReload(logger, &next)
	assert.Equal(t, logging.LevelDebug, logger.Level(), "explicit --log-level wins")
}

func TestLoadConfig_LogLevelFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vertexd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0600))

	configPath, logLevel = path, "debug"
	t.Cleanup(func() { configPath, logLevel = "", "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	logLevel = "loud"
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestServiceExtensions(t *testing.T) {
	ext := serviceExtensions(config.AuthConfig{}, nil)
	_, isNop := ext.AuthProvider.(*extensions.NopAuthProvider)
	assert.True(t, isNop, "no tokens keeps the local admin")
	_, isNop = ext.AuditLogger.(*extensions.NopAuditLogger)
	assert.True(t, isNop)

	ext = serviceExtensions(config.AuthConfig{
		Tokens: map[string]string{"0123456789abcdef": "alice"},
		Admins: []string{"alice"},
		Audit:  true,
	}, logging.New(logging.Config{Quiet: true}).Slog())
	info, err := ext.AuthProvider.Validate(context.Background(), "0123456789abcdef")
	require.NoError(t, err)
	assert.True(t, info.HasRole(extensions.RoleAdmin))
	assert.IsType(t, &extensions.RoleAuthzProvider{}, ext.AuthzProvider)
	assert.IsType(t, &extensions.SlogAuditLogger{}, ext.AuditLogger)
}
