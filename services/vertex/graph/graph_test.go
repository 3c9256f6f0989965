// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/config"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine/memory"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	eng, err := memory.New(memory.Config{Name: "graph-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return New(eng, config.Default().Access)
}

func TestGraph_VertexSurface(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	s := access.NewSession()

	t.Run("string modes", func(t *testing.T) {
		h, err := g.OpenVertex(ctx, s, "alice", "w", 0)
		require.NoError(t, err)
		assert.Equal(t, engine.ModeWritable, h.Mode())

		readonlyNow, err := g.RelaxVertex(s, h)
		require.NoError(t, err)
		assert.True(t, readonlyNow)
		require.NoError(t, g.EscalateVertex(ctx, s, h, 0))

		closed, err := g.CloseVertex(s, h)
		require.NoError(t, err)
		assert.True(t, closed)
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := g.OpenVertex(ctx, s, "alice", "x", 0)
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
		_, err = g.OpenVertices(ctx, s, []string{"alice"}, "rw", 0)
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
	})

	t.Run("batch", func(t *testing.T) {
		_, err := g.OpenVertex(ctx, s, "bob", "w", 0)
		require.NoError(t, err)
		g.CloseAll(s)

		hs, err := g.OpenVertices(ctx, s, []string{"alice", "bob"}, "a", 0)
		require.NoError(t, err)
		require.Len(t, hs, 2)

		n, err := g.CloseVertices(s, hs)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("close all makes handles stale", func(t *testing.T) {
		h, err := g.OpenVertex(ctx, s, "alice", "r", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, g.CloseAll(s))
		assert.True(t, g.IsStale(s, h))
	})
}

func TestGraph_ArcsAndQuery(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	s := access.NewSession()

	n, err := g.Connect(ctx, s, engine.Relation{From: "alice", To: "bob", Name: "knows", Value: 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	arcs, err := g.Neighbors(ctx, s, "alice", 0)
	require.NoError(t, err)
	require.Len(t, arcs, 1)
	assert.Equal(t, "bob", arcs[0].To)

	q, err := g.NewQuery(s, "alice")
	require.NoError(t, err)
	res, err := q.Execute(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	removed, err := g.Disconnect(ctx, s, engine.Relation{From: "alice"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = g.Connect(ctx, nil, engine.Relation{From: "alice", To: "bob"}, 0)
	assert.ErrorIs(t, err, engine.ErrPermissionDenied)
}

func TestGraph_ReadonlyAndLocks(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	a := access.NewSession()
	b := access.NewSession()

	require.NoError(t, g.SetGraphReadonly(ctx, a, 0, false, ""))
	assert.True(t, g.IsGraphReadonly())
	assert.Equal(t, 1, g.ReadonlyState(a).Recursion)
	_, err := g.OpenVertex(ctx, b, "alice", "w", 0)
	assert.ErrorIs(t, err, engine.ErrPermissionDenied)
	assert.True(t, g.ClearGraphReadonly(ctx, a))
	assert.False(t, g.IsGraphReadonly())

	h, err := g.Lock(ctx, a, "reindex", 0, 0)
	require.NoError(t, err)
	_, err = g.Lock(ctx, b, "reindex", 0, 0)
	assert.ErrorIs(t, err, engine.ErrBusy)
	ok, err := g.Unlock(a, h)
	require.NoError(t, err)
	assert.True(t, ok)

	ran := false
	require.NoError(t, g.Synchronized(ctx, b, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	processed, err := g.FlushEvents(ctx, time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, processed, 1)
}

func TestHandle_Ownership(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	owner := access.NewSession()
	other := access.NewSession()

	h1, err := g.Open(owner)
	require.NoError(t, err)
	h2, err := g.Open(owner)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 2, h1.Opens())
	assert.Equal(t, owner.ID(), g.Owner())

	borrowed, err := g.Open(other)
	require.NoError(t, err)
	assert.True(t, borrowed.IsBorrowed())
	_, err = borrowed.Close(ctx)
	assert.ErrorIs(t, err, engine.ErrPermissionDenied)

	released, err := h1.Close(ctx)
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, h1.IsOpen())

	released, err = h1.Close(ctx)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, h1.IsOpen())
	assert.Empty(t, g.Owner())

	released, err = h1.Close(ctx)
	require.NoError(t, err)
	assert.False(t, released)

	_, err = g.Open(nil)
	assert.ErrorIs(t, err, engine.ErrPermissionDenied)
}

func TestHandle_ReadonlyClearedOnClose(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	s := access.NewSession()

	h, err := g.Open(s)
	require.NoError(t, err)
	require.NoError(t, h.SetReadonly(ctx, 0, false, ""))
	require.NoError(t, h.SetReadonly(ctx, 0, false, ""))
	assert.Equal(t, 2, h.ReadonlyRecursion())

	assert.True(t, h.ClearReadonly(ctx))
	assert.True(t, g.IsGraphReadonly())

	_, err = h.Close(ctx)
	require.NoError(t, err)
	assert.False(t, g.IsGraphReadonly())
	assert.False(t, h.ClearReadonly(ctx))

	err = h.SetReadonly(ctx, 0, false, "")
	assert.ErrorIs(t, err, engine.ErrPermissionDenied)
}

func testConfig(graphs ...string) config.Config {
	cfg := config.Default()
	cfg.Graphs = graphs
	return cfg
}

func TestRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testConfig("people", "default"))
	s := access.NewSession()

	_, err := r.Get("people")
	assert.ErrorIs(t, err, ErrRegistryNotRunning)
	_, err = r.Open(ctx, s, "people")
	assert.ErrorIs(t, err, ErrRegistryNotRunning)

	require.NoError(t, r.Init(ctx))
	assert.Error(t, r.Init(ctx))
	assert.Equal(t, []string{"default", "people"}, r.Names())

	g, err := r.Get("people")
	require.NoError(t, err)
	assert.Equal(t, "people", g.Name())

	_, err = r.Get("places")
	assert.ErrorIs(t, err, ErrGraphNotFound)

	h, err := r.Open(ctx, s, "places")
	require.NoError(t, err)
	assert.Equal(t, "places", h.Graph().Name())
	assert.Equal(t, []string{"default", "people", "places"}, r.Names())

	_, err = r.Open(ctx, s, "a::b")
	assert.ErrorIs(t, err, engine.ErrInvalidArgument)

	require.NoError(t, r.Shutdown(ctx))
	require.NoError(t, r.Shutdown(ctx))
	_, err = r.Get("people")
	assert.ErrorIs(t, err, ErrRegistryNotRunning)
	assert.Empty(t, r.Names())
}

func TestRegistry_ConcurrentOpen(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(testConfig())
	require.NoError(t, r.Init(ctx))
	defer r.Shutdown(ctx)

	const workers = 16
	handles := make([]*Handle, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = r.Open(ctx, access.NewSession(), "shared")
		}(i)
	}
	wg.Wait()

	owners := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0].Graph(), handles[i].Graph())
		if !handles[i].IsBorrowed() {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
}

func TestRegistry_Persistence(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("people")
	cfg.Storage.InMemory = false
	cfg.Storage.Path = t.TempDir()
	cfg.Storage.GCInterval = 0

	r := NewRegistry(cfg)
	require.NoError(t, r.Init(ctx))
	g, err := r.Get("people")
	require.NoError(t, err)
	s := access.NewSession()
	_, err = g.Connect(ctx, s, engine.Relation{From: "alice", To: "bob", Name: "knows", Value: 0.5}, 0)
	require.NoError(t, err)
	require.NoError(t, r.Shutdown(ctx))

	reopened := NewRegistry(cfg)
	require.NoError(t, reopened.Init(ctx))
	defer reopened.Shutdown(ctx)
	g, err = reopened.Get("people")
	require.NoError(t, err)

	arcs, err := g.Neighbors(ctx, s, "alice", 0)
	require.NoError(t, err)
	require.Len(t, arcs, 1)
	assert.Equal(t, engine.Arc{To: "bob", Name: "knows", Value: 0.5}, arcs[0])
}

func TestRegistry_InitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRegistry(testConfig("people"))
	err := r.Init(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	_, err = r.Get("people")
	assert.ErrorIs(t, err, ErrRegistryNotRunning)
}
