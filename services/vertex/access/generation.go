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

import "sync/atomic"

// GenerationGuard is a per-session monotonic counter.
//
// # Description
//
// Every handle is stamped with the generation current at issuance. A bulk
// close advances the generation before releasing anything, so handles
// issued earlier become detectably stale even though the engine may
// already have recycled their vertex slots for other vertices.
//
// # Thread Safety
//
// Safe for concurrent use.
type GenerationGuard struct {
	current atomic.Uint64
}

// NewGenerationGuard returns a guard at generation 1.
func NewGenerationGuard() *GenerationGuard {
	g := &GenerationGuard{}
	g.current.Store(1)
	return g
}

// NextGeneration advances the counter and returns the new generation.
func (g *GenerationGuard) NextGeneration() uint64 {
	return g.current.Add(1)
}

// CurrentGeneration returns the current generation.
func (g *GenerationGuard) CurrentGeneration() uint64 {
	return g.current.Load()
}

// Stamp records the current generation on h.
func (g *GenerationGuard) Stamp(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.generation = g.CurrentGeneration()
}

// IsStale reports whether h predates the current generation.
func (g *GenerationGuard) IsStale(h *Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return g.isStaleLocked(h)
}

func (g *GenerationGuard) isStaleLocked(h *Handle) bool {
	return h.generation != g.CurrentGeneration()
}
