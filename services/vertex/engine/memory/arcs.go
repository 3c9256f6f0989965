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
	"context"
	"time"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

// Connect creates or updates the arc rel.From -> rel.To. Missing terminals
// are created. The source must be writable by owner: free, or already held
// writable by owner.
func (e *Engine) Connect(ctx context.Context, owner engine.OwnerID, rel engine.Relation, timeout time.Duration) (int, error) {
	const op = "connect"
	if rel.From == "" || rel.To == "" || rel.Name == "" {
		return 0, engine.NewAccessError(op, rel.From, engine.ReasonInvalid, "connect requires from, to and relationship")
	}

	start := time.Now()
	deadline := start.Add(timeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if r := e.gateLocked(); r != engine.ReasonNone {
			return 0, engine.NewAccessError(op, rel.From, r, "")
		}
		from := e.vertices[rel.From]
		if from != nil {
			r := e.checkLocked(owner, from, true)
			if r == engine.ReasonLocked {
				if !e.waitLocked(ctx, timeout, deadline) {
					return 0, e.contentionError(ctx, op, rel.From, timeout)
				}
				continue
			}
			if r != engine.ReasonNone {
				return 0, engine.NewAccessError(op, rel.From, r, "")
			}
		} else {
			from = e.createLocked(rel.From, "")
		}
		if _, ok := e.vertices[rel.To]; !ok {
			e.createLocked(rel.To, "")
		}

		n := from.upsertArc(engine.Arc{To: rel.To, Name: rel.Name, Value: rel.Value})
		e.opid.Add(1)
		e.persistLocked(from)
		e.observeWait(op, start)
		return n, nil
	}
}

// Disconnect removes arcs from rel.From matching rel.To and rel.Name.
// Empty To or Name match any arc.
func (e *Engine) Disconnect(ctx context.Context, owner engine.OwnerID, rel engine.Relation, timeout time.Duration) (int, error) {
	const op = "disconnect"
	if rel.From == "" {
		return 0, engine.NewAccessError(op, "", engine.ReasonInvalid, "disconnect requires from")
	}

	deadline := time.Now().Add(timeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if r := e.gateLocked(); r != engine.ReasonNone {
			return 0, engine.NewAccessError(op, rel.From, r, "")
		}
		from := e.vertices[rel.From]
		if from == nil {
			return 0, engine.NewAccessError(op, rel.From, engine.ReasonNoExist, "")
		}
		r := e.checkLocked(owner, from, true)
		if r == engine.ReasonLocked {
			if !e.waitLocked(ctx, timeout, deadline) {
				return 0, e.contentionError(ctx, op, rel.From, timeout)
			}
			continue
		}
		if r != engine.ReasonNone {
			return 0, engine.NewAccessError(op, rel.From, r, "")
		}

		n := from.removeArcs(rel.To, rel.Name)
		if n > 0 {
			e.opid.Add(1)
			e.persistLocked(from)
		}
		return n, nil
	}
}

// Neighbors returns a copy of the outgoing arcs of id. The vertex must be
// readable by owner.
func (e *Engine) Neighbors(ctx context.Context, owner engine.OwnerID, id string, timeout time.Duration) ([]engine.Arc, error) {
	const op = "neighbors"
	deadline := time.Now().Add(timeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		v := e.vertices[id]
		if v == nil {
			return nil, engine.NewAccessError(op, id, engine.ReasonNoExist, "")
		}
		if e.checkLocked(owner, v, false) == engine.ReasonNone {
			return append([]engine.Arc(nil), v.arcs...), nil
		}
		if !e.waitLocked(ctx, timeout, deadline) {
			return nil, e.contentionError(ctx, op, id, timeout)
		}
	}
}
