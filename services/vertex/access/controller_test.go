// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine/memory"
)

func newTestEngine(t *testing.T) *memory.Engine {
	t.Helper()
	eng, err := memory.New(memory.Config{Name: "access-test"})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func createVertices(t *testing.T, c *Controller, ids ...string) {
	t.Helper()
	s := NewSession()
	for _, id := range ids {
		h, err := c.Open(context.Background(), s, id, engine.ModeWritable, 0)
		require.NoError(t, err)
		_, err = c.Close(s, h)
		require.NoError(t, err)
	}
}

func TestController_OpenClose(t *testing.T) {
	eng := newTestEngine(t)
	c := NewController(eng)
	ctx := context.Background()
	s := NewSession()

	t.Run("open writable creates", func(t *testing.T) {
		h, err := c.Open(ctx, s, "v1", engine.ModeWritable, 0)
		require.NoError(t, err)
		assert.Equal(t, "v1", h.ID())
		assert.Equal(t, engine.ModeWritable, h.Mode())
		assert.Equal(t, s.ID(), h.Owner())
		assert.Equal(t, s.Generation().CurrentGeneration(), h.Generation())
		assert.True(t, h.IsOpen())

		released, err := c.Close(s, h)
		require.NoError(t, err)
		assert.True(t, released)
		assert.False(t, h.IsOpen())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		h, err := c.Open(ctx, s, "v1", engine.ModeReadonly, 0)
		require.NoError(t, err)
		_, err = c.Close(s, h)
		require.NoError(t, err)

		released, err := c.Close(s, h)
		require.NoError(t, err)
		assert.False(t, released)

		released, err = c.Close(s, nil)
		require.NoError(t, err)
		assert.False(t, released)
	})

	t.Run("close does not bump generation", func(t *testing.T) {
		gen := s.Generation().CurrentGeneration()
		h, err := c.Open(ctx, s, "v1", engine.ModeReadonly, 0)
		require.NoError(t, err)
		_, err = c.Close(s, h)
		require.NoError(t, err)
		assert.Equal(t, gen, s.Generation().CurrentGeneration())
		assert.Equal(t, gen, h.Generation())
	})

	t.Run("nocreate on missing vertex", func(t *testing.T) {
		_, err := c.Open(ctx, s, "missing", engine.ModeWritableNoCreate, 0)
		assert.ErrorIs(t, err, engine.ErrNotFound)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		_, err := c.Open(ctx, s, "", engine.ModeWritable, 0)
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
		_, err = c.Open(ctx, nil, "v1", engine.ModeWritable, 0)
		assert.ErrorIs(t, err, engine.ErrPermissionDenied)
	})
}

func TestController_Ownership(t *testing.T) {
	eng := newTestEngine(t)
	c := NewController(eng)
	ctx := context.Background()
	a, b := NewSession(), NewSession()

	h, err := c.Open(ctx, a, "v", engine.ModeWritable, 0)
	require.NoError(t, err)

	t.Run("close by other session", func(t *testing.T) {
		_, err := c.Close(b, h)
		assert.ErrorIs(t, err, engine.ErrPermissionDenied)
		assert.True(t, h.IsOpen())
	})

	t.Run("relax by other session", func(t *testing.T) {
		_, err := c.Relax(b, h)
		assert.ErrorIs(t, err, engine.ErrPermissionDenied)
	})

	t.Run("reopen through handle by other session", func(t *testing.T) {
		_, err := c.OpenHandle(ctx, b, h, engine.ModeWritable, 0)
		assert.ErrorIs(t, err, engine.ErrPermissionDenied)
	})

	t.Run("reopen through handle by owner nests", func(t *testing.T) {
		nested, err := c.OpenHandle(ctx, a, h, engine.ModeReadonly, 0)
		require.NoError(t, err)
		assert.Equal(t, engine.ModeWritable, nested.Mode())

		_, err = c.Close(a, h)
		require.NoError(t, err)

		// Still held through the nested acquisition.
		_, err = c.Open(ctx, b, "v", engine.ModeReadonly, 0)
		assert.ErrorIs(t, err, engine.ErrBusy)

		_, err = c.Close(a, nested)
		require.NoError(t, err)
		other, err := c.Open(ctx, b, "v", engine.ModeReadonly, 0)
		require.NoError(t, err)
		_, _ = c.Close(b, other)
	})

	t.Run("reopen through readonly handle denied", func(t *testing.T) {
		ro, err := c.Open(ctx, a, "v", engine.ModeReadonly, 0)
		require.NoError(t, err)
		defer c.Close(a, ro)
		_, err = c.OpenHandle(ctx, a, ro, engine.ModeReadonly, 0)
		assert.ErrorIs(t, err, engine.ErrPermissionDenied)
	})
}

func TestController_CloseAllMakesHandlesStale(t *testing.T) {
	eng := newTestEngine(t)
	c := NewController(eng)
	ctx := context.Background()
	s := NewSession()

	h1, err := c.Open(ctx, s, "a", engine.ModeWritable, 0)
	require.NoError(t, err)
	h2, err := c.Open(ctx, s, "b", engine.ModeWritable, 0)
	require.NoError(t, err)
	_, err = c.Open(ctx, s, "a", engine.ModeWritable, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, c.CloseAll(s))
	assert.Empty(t, eng.WritableVertices(0))

	assert.True(t, c.IsStale(s, h1))
	assert.True(t, s.Generation().IsStale(h2))

	_, err = c.Close(s, h1)
	assert.ErrorIs(t, err, engine.ErrStaleHandle)
	assert.Equal(t, engine.KindStale, engine.KindOf(err))

	err = c.Escalate(ctx, s, h2, 0)
	assert.ErrorIs(t, err, engine.ErrStaleHandle)

	_, err = c.Relax(s, h2)
	assert.ErrorIs(t, err, engine.ErrStaleHandle)

	fresh, err := c.Open(ctx, s, "a", engine.ModeWritable, 0)
	require.NoError(t, err)
	assert.False(t, c.IsStale(s, fresh))
	assert.Equal(t, 0, c.CloseAll(NewSession()))
	assert.Equal(t, 0, c.CloseAll(nil))
}

func TestController_StaleHandleAfterSlotReuse(t *testing.T) {
	eng := newTestEngine(t)
	c := NewController(eng)
	ctx := context.Background()
	s := NewSession()

	h, err := c.OpenWith(ctx, s, "old", engine.ModeWritable, 0, engine.OpenOptions{}.WithLifespan(0))
	require.NoError(t, err)
	c.CloseAll(s)

	_, err = eng.Events().Flush(ctx, time.Second)
	require.NoError(t, err)
	require.False(t, eng.Exists("old"))

	other := NewSession()
	n, err := c.Open(ctx, other, "new", engine.ModeWritable, 0)
	require.NoError(t, err)
	defer c.Close(other, n)

	// The stale handle would now point at "new" in the engine. The guard
	// must refuse it before the engine is touched.
	_, err = c.Close(s, h)
	assert.ErrorIs(t, err, engine.ErrStaleHandle)
	assert.Equal(t, []string{"new"}, eng.WritableVertices(0))
}

func TestController_EscalateRelax(t *testing.T) {
	eng := newTestEngine(t)
	c := NewController(eng)
	ctx := context.Background()
	createVertices(t, c, "v")
	a, b := NewSession(), NewSession()

	h, err := c.Open(ctx, a, "v", engine.ModeReadonly, 0)
	require.NoError(t, err)

	t.Run("negative timeout rejected", func(t *testing.T) {
		err := c.Escalate(ctx, a, h, -1)
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
		assert.Equal(t, engine.ModeReadonly, h.Mode())
	})

	t.Run("escalate times out while another reader holds", func(t *testing.T) {
		other, err := c.Open(ctx, b, "v", engine.ModeReadonly, 0)
		require.NoError(t, err)
		defer c.Close(b, other)

		err = c.Escalate(ctx, a, h, 20*time.Millisecond)
		assert.ErrorIs(t, err, engine.ErrTimeout)
		assert.Equal(t, engine.ModeReadonly, h.Mode())
	})

	t.Run("escalate", func(t *testing.T) {
		require.NoError(t, c.Escalate(ctx, a, h, time.Second))
		assert.Equal(t, engine.ModeWritable, h.Mode())
		assert.Equal(t, []string{"v"}, eng.WritableVertices(0))
		require.NoError(t, c.Escalate(ctx, a, h, 0), "escalating writable is a no-op")
	})

	t.Run("relax", func(t *testing.T) {
		readonly, err := c.Relax(a, h)
		require.NoError(t, err)
		assert.True(t, readonly)
		assert.Equal(t, engine.ModeReadonly, h.Mode())

		readonly, err = c.Relax(a, h)
		require.NoError(t, err)
		assert.True(t, readonly)
	})

	t.Run("relax with recursive writable hold", func(t *testing.T) {
		require.NoError(t, c.Escalate(ctx, a, h, 0))
		nested, err := c.Open(ctx, a, "v", engine.ModeWritable, 0)
		require.NoError(t, err)

		readonly, err := c.Relax(a, h)
		require.NoError(t, err)
		assert.False(t, readonly)
		assert.Equal(t, engine.ModeWritable, h.Mode())

		_, err = c.Close(a, nested)
		require.NoError(t, err)
	})

	_, err = c.Close(a, h)
	require.NoError(t, err)
	assert.Empty(t, eng.WritableVertices(0))
}

func TestController_ReadonlyGraphBlocksWriters(t *testing.T) {
	eng := newTestEngine(t)
	c := NewController(eng)
	ctx := context.Background()
	createVertices(t, c, "v")
	s := NewSession()

	require.NoError(t, eng.AcquireGraphReadonly(ctx, s.ID(), 0, false))
	defer eng.ReleaseGraphReadonly(s.ID())

	_, err := c.Open(ctx, s, "v", engine.ModeWritable, 0)
	assert.ErrorIs(t, err, engine.ErrPermissionDenied)
	assert.Equal(t, engine.ReasonReadonlyGraph, engine.ReasonOf(err))

	h, err := c.Open(ctx, s, "v", engine.ModeReadonly, 0)
	require.NoError(t, err)
	err = c.Escalate(ctx, s, h, 0)
	assert.Equal(t, engine.ReasonReadonlyGraph, engine.ReasonOf(err))
	_, _ = c.Close(s, h)
}

func TestController_OpenCloseBalance(t *testing.T) {
	eng := newTestEngine(t)
	c := NewController(eng)
	ctx := context.Background()
	s := NewSession()

	var open []*Handle
	for i := 0; i < 5; i++ {
		h, err := c.Open(ctx, s, "v", engine.ModeWritable, 0)
		require.NoError(t, err)
		open = append(open, h)
	}
	for _, h := range open[:3] {
		released, err := c.Close(s, h)
		require.NoError(t, err)
		require.True(t, released)
	}
	assert.Equal(t, []string{"v"}, eng.WritableVertices(0))

	assert.Equal(t, 1, c.CloseAll(s))
	assert.Empty(t, eng.WritableVertices(0))
	for _, h := range open[3:] {
		_, err := c.Close(s, h)
		assert.ErrorIs(t, err, engine.ErrStaleHandle)
	}
}
