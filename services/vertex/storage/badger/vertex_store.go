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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("vertex store closed")

// VertexStore keeps vertex records for one graph under a key prefix.
//
// Keys are "g/<graph>/v/<id>" and values are JSON encoded
// engine.VertexRecord values.
//
// # Thread Safety
//
// Safe for concurrent use.
type VertexStore struct {
	db     *DB
	prefix []byte
	owned  bool
}

// NewVertexStore binds a store for graph to an open database. The database
// is not closed by the store.
func NewVertexStore(db *DB, graph string) (*VertexStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if graph == "" {
		return nil, errors.New("graph name must not be empty")
	}
	return &VertexStore{db: db, prefix: []byte("g/" + graph + "/v/")}, nil
}

// OpenVertexStore opens a database from cfg and binds a store that owns it.
func OpenVertexStore(cfg Config, graph string) (*VertexStore, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewVertexStore(db, graph)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *VertexStore) key(id string) []byte {
	k := make([]byte, 0, len(s.prefix)+len(id))
	k = append(k, s.prefix...)
	return append(k, id...)
}

// Put writes or replaces a vertex record.
func (s *VertexStore) Put(rec engine.VertexRecord) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode vertex %s: %w", rec.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(rec.ID), data)
	})
}

// Delete removes a vertex record. Missing records are ignored.
func (s *VertexStore) Delete(id string) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(id))
	})
}

// Get loads a single record. Returns engine.ErrNotFound if absent.
func (s *VertexStore) Get(id string) (engine.VertexRecord, error) {
	var rec engine.VertexRecord
	if s.db == nil {
		return rec, ErrStoreClosed
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("vertex %s: %w", id, engine.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// LoadAll calls fn for every stored record in key order.
func (s *VertexStore) LoadAll(fn func(engine.VertexRecord) error) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec engine.VertexRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the store. The database is closed only if the store
// opened it.
func (s *VertexStore) Close() error {
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	if s.owned {
		return db.Close()
	}
	return nil
}
