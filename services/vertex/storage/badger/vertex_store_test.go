// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

func TestOpenDB(t *testing.T) {
	t.Run("persistent requires path", func(t *testing.T) {
		_, err := OpenDB(DefaultConfig())
		require.Error(t, err)
	})

	t.Run("in memory", func(t *testing.T) {
		db, err := OpenInMemory()
		require.NoError(t, err)
		defer db.Close()
		assert.True(t, db.InMemory())
		assert.Empty(t, db.Path())
	})
}

func TestVertexStore_PutGetDelete(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewVertexStore(db, "g1")
	require.NoError(t, err)

	rec := engine.VertexRecord{
		ID:       "alice",
		Type:     "person",
		Lifespan: -1,
		Arcs:     []engine.Arc{{To: "bob", Name: "knows", Value: 1}},
	}
	require.NoError(t, store.Put(rec))

	got, err := store.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, store.Delete("alice"))
	_, err = store.Get("alice")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestVertexStore_LoadAllIsolatesGraphs(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	a, err := NewVertexStore(db, "a")
	require.NoError(t, err)
	b, err := NewVertexStore(db, "b")
	require.NoError(t, err)

	require.NoError(t, a.Put(engine.VertexRecord{ID: "v1"}))
	require.NoError(t, a.Put(engine.VertexRecord{ID: "v2"}))
	require.NoError(t, b.Put(engine.VertexRecord{ID: "other"}))

	var ids []string
	require.NoError(t, a.LoadAll(func(r engine.VertexRecord) error {
		ids = append(ids, r.ID)
		return nil
	}))
	assert.Equal(t, []string{"v1", "v2"}, ids)
}

func TestVertexStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.SyncWrites = false
	cfg.GCInterval = time.Hour

	store, err := OpenVertexStore(cfg, "g")
	require.NoError(t, err)
	require.NoError(t, store.Put(engine.VertexRecord{ID: "kept", Type: "t"}))
	require.NoError(t, store.Close())

	_, err = store.Get("kept")
	assert.ErrorIs(t, err, ErrStoreClosed)

	store, err = OpenVertexStore(cfg, "g")
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get("kept")
	require.NoError(t, err)
	assert.Equal(t, "t", got.Type)
}
