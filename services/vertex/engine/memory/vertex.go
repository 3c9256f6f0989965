// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"time"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

// vertex is a storage slot. Slots are recycled through the engine free list,
// so a *vertex may carry a different id after its previous occupant expired.
//
// All fields are guarded by the owning engine's mutex.
type vertex struct {
	e    *Engine
	slot uint64

	id        string
	typ       string
	lifespan  time.Duration
	expiresAt time.Time
	arcs      []engine.Arc

	// lifespanChanged marks a lifespan not yet written to the store.
	lifespanChanged bool

	writer  engine.OwnerID
	wdepth  int
	readers map[engine.OwnerID]int
}

// ID returns the id of the vertex currently occupying the slot.
func (v *vertex) ID() string {
	v.e.mu.Lock()
	defer v.e.mu.Unlock()
	return v.id
}

// Type returns the vertex type.
func (v *vertex) Type() string {
	v.e.mu.Lock()
	defer v.e.mu.Unlock()
	return v.typ
}

// Slot returns the storage slot number.
func (v *vertex) Slot() uint64 {
	return v.slot
}

func (v *vertex) reset(id, typ string) {
	v.id = id
	v.typ = typ
	v.lifespan = -1
	v.expiresAt = time.Time{}
	v.lifespanChanged = false
	v.arcs = nil
	v.writer = ""
	v.wdepth = 0
	v.readers = make(map[engine.OwnerID]int)
}

func (v *vertex) isHeld() bool {
	return v.writer != "" || len(v.readers) > 0
}

func (v *vertex) record() engine.VertexRecord {
	rec := engine.VertexRecord{
		ID:        v.id,
		Type:      v.typ,
		Lifespan:  v.lifespan,
		ExpiresAt: v.expiresAt,
	}
	if len(v.arcs) > 0 {
		rec.Arcs = append([]engine.Arc(nil), v.arcs...)
	}
	return rec
}

// upsertArc returns 1 if a new arc was added, 0 if an existing one was
// updated.
func (v *vertex) upsertArc(a engine.Arc) int {
	for i := range v.arcs {
		if v.arcs[i].To == a.To && v.arcs[i].Name == a.Name {
			v.arcs[i].Value = a.Value
			return 0
		}
	}
	v.arcs = append(v.arcs, a)
	return 1
}

// removeArcs deletes arcs matching to and name. Empty filters match all.
func (v *vertex) removeArcs(to, name string) int {
	kept := v.arcs[:0]
	removed := 0
	for _, a := range v.arcs {
		if (to == "" || a.To == to) && (name == "" || a.Name == name) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	v.arcs = kept
	return removed
}
