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
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

// Handle is a caller-side reference to an acquired vertex.
//
// The owner never changes. The mode changes only through Escalate and
// Relax. The live reference is cleared on close; a handle is usable only
// while that reference is set and its generation matches its session.
type Handle struct {
	mu         sync.Mutex
	ref        engine.Vertex
	id         string
	mode       engine.Mode
	owner      engine.OwnerID
	generation uint64
}

func newHandle(s *Session, v engine.Vertex, id string, mode engine.Mode) *Handle {
	h := &Handle{ref: v, id: id, mode: mode, owner: s.ID()}
	s.Generation().Stamp(h)
	return h
}

// ID returns the vertex id the handle was opened for.
func (h *Handle) ID() string {
	return h.id
}

// Mode returns the current access mode.
func (h *Handle) Mode() engine.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// Owner returns the owning session id.
func (h *Handle) Owner() engine.OwnerID {
	return h.owner
}

// Generation returns the generation stamp.
func (h *Handle) Generation() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// IsOpen reports whether the handle still holds a live reference. A stale
// handle may report true; check staleness through its session.
func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ref != nil
}

func (h *Handle) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := "open"
	if h.ref == nil {
		state = "closed"
	}
	return fmt.Sprintf("vertex %q (%s, %s, gen %d)", h.id, h.mode, state, h.generation)
}

// snapshot validates h for use by s and returns its live reference.
func (h *Handle) snapshot(op string, s *Session) (engine.Vertex, engine.Mode, error) {
	if s == nil {
		return nil, 0, engine.NewAccessError(op, h.id, engine.ReasonBadContext, "nil session")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.owner != s.ID() {
		return nil, 0, engine.NewKindError(op, h.id, engine.KindPermissionDenied, engine.ReasonBadContext,
			fmt.Sprintf("handle owned by %s", h.owner))
	}
	if s.Generation().isStaleLocked(h) {
		return nil, 0, engine.NewKindError(op, h.id, engine.KindStale, engine.ReasonBadContext,
			fmt.Sprintf("handle generation %d, current %d", h.generation, s.Generation().CurrentGeneration()))
	}
	if h.ref == nil {
		return nil, 0, engine.NewAccessError(op, h.id, engine.ReasonInvalid, "handle is closed")
	}
	return h.ref, h.mode, nil
}
