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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

// flakyEngine injects engine failures in front of a real engine.
type flakyEngine struct {
	engine.Engine
	opFails  atomic.Int32
	attempts atomic.Int32
	shortBy  int
}

func (f *flakyEngine) AtomicAcquireVerticesWritable(ctx context.Context, owner engine.OwnerID, ids []string, timeout time.Duration) ([]engine.Vertex, error) {
	f.attempts.Add(1)
	if f.opFails.Add(-1) >= 0 {
		return nil, engine.NewAccessError("acquire_writable", ids[0], engine.ReasonOpFail, "pending mutation")
	}
	return f.Engine.AtomicAcquireVerticesWritable(ctx, owner, ids, timeout)
}

func (f *flakyEngine) AtomicReleaseVertices(owner engine.OwnerID, vs []engine.Vertex) (int, error) {
	n, err := f.Engine.AtomicReleaseVertices(owner, vs)
	return n - f.shortBy, err
}

func TestBatchAcquirer_AcquireAll(t *testing.T) {
	eng := newTestEngine(t)
	c := NewController(eng)
	createVertices(t, c, "v1", "v2", "v3")
	b := NewBatchAcquirer(eng, WithPartialWindow(10*time.Millisecond))
	ctx := context.Background()

	t.Run("acquires all in order", func(t *testing.T) {
		s := NewSession()
		hs, err := b.AcquireAll(ctx, s, []string{"v3", "v1", "v2"}, engine.ModeWritable, time.Second)
		require.NoError(t, err)
		require.Len(t, hs, 3)
		assert.Equal(t, "v3", hs[0].ID())
		assert.Equal(t, "v1", hs[1].ID())
		assert.Equal(t, engine.ModeWritableNoCreate, hs[2].Mode())
		assert.Equal(t, []string{"v1", "v2", "v3"}, eng.WritableVertices(0))

		n, err := b.ReleaseAll(s, hs)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Empty(t, eng.WritableVertices(0))
		for _, h := range hs {
			assert.False(t, h.IsOpen())
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		hs, err := b.AcquireAll(ctx, NewSession(), nil, engine.ModeReadonly, 0)
		require.NoError(t, err)
		assert.Empty(t, hs)
	})

	t.Run("invalid batches", func(t *testing.T) {
		s := NewSession()
		_, err := b.AcquireAll(ctx, s, []string{"v1", "v1"}, engine.ModeReadonly, 0)
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
		_, err = b.AcquireAll(ctx, s, []string{"v1", ""}, engine.ModeReadonly, 0)
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
		_, err = b.AcquireAll(ctx, s, []string{"v1"}, engine.ModeReadonly, -1)
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
		_, err = b.AcquireAll(ctx, nil, []string{"v1"}, engine.ModeReadonly, 0)
		assert.ErrorIs(t, err, engine.ErrPermissionDenied)
	})

	t.Run("missing vertex fails at once without creating", func(t *testing.T) {
		s := NewSession()
		start := time.Now()
		_, err := b.AcquireAll(ctx, s, []string{"v1", "nope"}, engine.ModeWritable, 250*time.Millisecond)
		assert.ErrorIs(t, err, engine.ErrNotFound)
		assert.Less(t, time.Since(start), 200*time.Millisecond)
		assert.False(t, eng.Exists("nope"))
		assert.Empty(t, eng.WritableVertices(0))
	})

	t.Run("contention times out holding nothing", func(t *testing.T) {
		holder := NewSession()
		h, err := c.Open(ctx, holder, "v2", engine.ModeWritable, 0)
		require.NoError(t, err)
		defer c.Close(holder, h)

		s := NewSession()
		_, err = b.AcquireAll(ctx, s, []string{"v1", "v2", "v3"}, engine.ModeWritable, 50*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, engine.ErrTimeout)
		assert.Equal(t, "v2", idOf(err))
		assert.Equal(t, []string{"v2"}, eng.WritableVertices(0))

		// v1 and v3 stay free for others.
		other := NewSession()
		hs, err := b.AcquireAll(ctx, other, []string{"v1", "v3"}, engine.ModeWritable, 0)
		require.NoError(t, err)
		_, err = b.ReleaseAll(other, hs)
		require.NoError(t, err)
	})

	t.Run("zero timeout reports busy", func(t *testing.T) {
		holder := NewSession()
		h, err := c.Open(ctx, holder, "v1", engine.ModeWritable, 0)
		require.NoError(t, err)
		defer c.Close(holder, h)

		_, err = b.AcquireAll(ctx, NewSession(), []string{"v1", "v2"}, engine.ModeReadonly, 0)
		assert.ErrorIs(t, err, engine.ErrBusy)
	})

	t.Run("succeeds once contention clears", func(t *testing.T) {
		holder := NewSession()
		h, err := c.Open(ctx, holder, "v3", engine.ModeWritable, 0)
		require.NoError(t, err)
		go func() {
			time.Sleep(30 * time.Millisecond)
			c.Close(holder, h)
		}()

		s := NewSession()
		hs, err := b.AcquireAll(ctx, s, []string{"v1", "v3"}, engine.ModeReadonly, 2*time.Second)
		require.NoError(t, err)
		_, err = b.ReleaseAll(s, hs)
		require.NoError(t, err)
	})

	t.Run("readonly batches share", func(t *testing.T) {
		a, bb := NewSession(), NewSession()
		ha, err := b.AcquireAll(ctx, a, []string{"v1", "v2"}, engine.ModeReadonly, 0)
		require.NoError(t, err)
		hb, err := b.AcquireAll(ctx, bb, []string{"v2", "v3"}, engine.ModeReadonly, 0)
		require.NoError(t, err)
		_, err = b.ReleaseAll(a, ha)
		require.NoError(t, err)
		_, err = b.ReleaseAll(bb, hb)
		require.NoError(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		holder := NewSession()
		h, err := c.Open(ctx, holder, "v1", engine.ModeWritable, 0)
		require.NoError(t, err)
		defer c.Close(holder, h)

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = b.AcquireAll(cctx, NewSession(), []string{"v1"}, engine.ModeWritable, 5*time.Second)
		assert.ErrorIs(t, err, engine.ErrTimeout)
	})
}

func TestBatchAcquirer_OpFailRetry(t *testing.T) {
	eng := newTestEngine(t)
	createVertices(t, NewController(eng), "v1", "v2")
	ctx := context.Background()

	t.Run("retries after backoff", func(t *testing.T) {
		f := &flakyEngine{Engine: eng}
		f.opFails.Store(2)
		b := NewBatchAcquirer(f, WithOpFailBackoff(time.Millisecond))

		s := NewSession()
		hs, err := b.AcquireAll(ctx, s, []string{"v1", "v2"}, engine.ModeWritable, time.Second)
		require.NoError(t, err)
		assert.Equal(t, int32(3), f.attempts.Load())
		_, err = b.ReleaseAll(s, hs)
		require.NoError(t, err)
	})

	t.Run("budget spent on backoff", func(t *testing.T) {
		f := &flakyEngine{Engine: eng}
		f.opFails.Store(1000)
		b := NewBatchAcquirer(f, WithOpFailBackoff(5*time.Millisecond))

		_, err := b.AcquireAll(ctx, NewSession(), []string{"v1"}, engine.ModeWritable, 20*time.Millisecond)
		assert.ErrorIs(t, err, engine.ErrTimeout)
		assert.Equal(t, engine.ReasonOpFail, engine.ReasonOf(err))
		assert.LessOrEqual(t, f.attempts.Load(), int32(5))
	})

	t.Run("zero timeout returns op fail", func(t *testing.T) {
		f := &flakyEngine{Engine: eng}
		f.opFails.Store(1)
		b := NewBatchAcquirer(f)

		_, err := b.AcquireAll(ctx, NewSession(), []string{"v1"}, engine.ModeWritable, 0)
		assert.ErrorIs(t, err, engine.ErrBusy)
		assert.Equal(t, int32(1), f.attempts.Load())
	})
}

func TestBatchAcquirer_ReleaseAll(t *testing.T) {
	eng := newTestEngine(t)
	c := NewController(eng)
	createVertices(t, c, "v1", "v2")
	ctx := context.Background()

	t.Run("foreign handle releases nothing", func(t *testing.T) {
		b := NewBatchAcquirer(eng)
		a, other := NewSession(), NewSession()
		ha, err := b.AcquireAll(ctx, a, []string{"v1"}, engine.ModeReadonly, 0)
		require.NoError(t, err)
		ho, err := b.AcquireAll(ctx, other, []string{"v2"}, engine.ModeReadonly, 0)
		require.NoError(t, err)

		n, err := b.ReleaseAll(a, append(ha, ho...))
		assert.ErrorIs(t, err, engine.ErrPermissionDenied)
		assert.Zero(t, n)
		assert.True(t, ha[0].IsOpen())

		_, err = b.ReleaseAll(a, ha)
		require.NoError(t, err)
		_, err = b.ReleaseAll(other, ho)
		require.NoError(t, err)
	})

	t.Run("skips nil and closed handles", func(t *testing.T) {
		b := NewBatchAcquirer(eng)
		s := NewSession()
		hs, err := b.AcquireAll(ctx, s, []string{"v1", "v2"}, engine.ModeWritable, 0)
		require.NoError(t, err)
		_, err = c.Close(s, hs[0])
		require.NoError(t, err)

		n, err := b.ReleaseAll(s, []*Handle{nil, hs[0], hs[1]})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = b.ReleaseAll(s, hs)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("stale handles rejected", func(t *testing.T) {
		b := NewBatchAcquirer(eng)
		s := NewSession()
		hs, err := b.AcquireAll(ctx, s, []string{"v1", "v2"}, engine.ModeWritable, 0)
		require.NoError(t, err)
		c.CloseAll(s)

		_, err = b.ReleaseAll(s, hs)
		assert.ErrorIs(t, err, engine.ErrStaleHandle)
	})

	t.Run("duplicate handle rejected before release", func(t *testing.T) {
		b := NewBatchAcquirer(eng)
		s := NewSession()
		h1, err := c.Open(ctx, s, "v1", engine.ModeWritable, 0)
		require.NoError(t, err)
		h2, err := c.OpenHandle(ctx, s, h1, engine.ModeWritable, 0)
		require.NoError(t, err)

		n, err := b.ReleaseAll(s, []*Handle{h1, h1})
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
		assert.Zero(t, n)
		assert.True(t, h1.IsOpen())
		assert.True(t, h2.IsOpen())

		_, err = c.Open(ctx, NewSession(), "v1", engine.ModeWritable, 0)
		assert.ErrorIs(t, err, engine.ErrBusy)

		n, err = b.ReleaseAll(s, []*Handle{h1, h2})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Empty(t, eng.WritableVertices(0))
	})

	t.Run("short release is internal error", func(t *testing.T) {
		f := &flakyEngine{Engine: eng, shortBy: 1}
		b := NewBatchAcquirer(f)
		s := NewSession()
		hs, err := b.AcquireAll(ctx, s, []string{"v1", "v2"}, engine.ModeReadonly, 0)
		require.NoError(t, err)

		n, err := b.ReleaseAll(s, hs)
		assert.ErrorIs(t, err, engine.ErrInternal)
		assert.Equal(t, 1, n)
		for _, h := range hs {
			assert.False(t, h.IsOpen())
		}
		assert.Empty(t, eng.WritableVertices(0))
	})
}
