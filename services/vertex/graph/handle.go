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
	"sync"
	"time"

	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

// Handle is a session's reference to an open Graph.
//
// # Description
//
// The first session to open a graph owns it. Further opens by the owner
// return the same Handle with its open count raised. Opens by any other
// session return a borrowed Handle, which can use the graph but cannot
// close it.
//
// Readonly levels entered through a Handle are counted, and whatever is
// still held when the owner's last Close runs is cleared.
//
// # Thread Safety
//
// Safe for concurrent use.
type Handle struct {
	graph    *Graph
	session  *access.Session
	borrowed bool

	mu       sync.Mutex
	opens    int
	readonly int
}

// Open returns a Handle on g for s.
func (g *Graph) Open(s *access.Session) (*Handle, error) {
	if s == nil {
		return nil, engine.NewAccessError("open_graph", g.Name(), engine.ReasonBadContext, "nil session")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.owner != nil && g.owner.session.ID() == s.ID() {
		g.owner.mu.Lock()
		g.owner.opens++
		g.owner.mu.Unlock()
		return g.owner, nil
	}
	if g.owner != nil {
		return &Handle{graph: g, session: s, borrowed: true, opens: 1}, nil
	}
	g.owner = &Handle{graph: g, session: s, opens: 1}
	g.logger.Debug("Graph opened", "owner", s.ID())
	return g.owner, nil
}

// Owner returns the session id that owns the graph, or "" if none.
func (g *Graph) Owner() engine.OwnerID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner == nil {
		return ""
	}
	return g.owner.session.ID()
}

// Graph returns the referenced graph.
func (h *Handle) Graph() *Graph {
	return h.graph
}

// Session returns the session the handle was opened for.
func (h *Handle) Session() *access.Session {
	return h.session
}

// IsBorrowed reports whether the handle was opened by a non-owner.
func (h *Handle) IsBorrowed() bool {
	return h.borrowed
}

// IsOpen reports whether the handle has not been fully closed.
func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens > 0
}

// Opens returns the current open count.
func (h *Handle) Opens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

// ReadonlyRecursion returns the readonly levels entered through h and not
// yet cleared.
func (h *Handle) ReadonlyRecursion() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readonly
}

// SetReadonly enters readonly mode on the graph and records the level.
func (h *Handle) SetReadonly(ctx context.Context, timeout time.Duration, force bool, token string) error {
	if !h.IsOpen() {
		return engine.NewAccessError("set_readonly", h.graph.Name(), engine.ReasonBadContext, "graph handle closed")
	}
	if err := h.graph.SetGraphReadonly(ctx, h.session, timeout, force, token); err != nil {
		return err
	}
	h.mu.Lock()
	h.readonly++
	h.mu.Unlock()
	return nil
}

// ClearReadonly leaves one readonly level entered through h.
func (h *Handle) ClearReadonly(ctx context.Context) bool {
	h.mu.Lock()
	if h.readonly == 0 {
		h.mu.Unlock()
		return false
	}
	h.readonly--
	h.mu.Unlock()
	return h.graph.ClearGraphReadonly(ctx, h.session)
}

// Close drops one open of h.
//
// # Description
//
// Closing a borrowed handle fails with PermissionDenied. When the owner's
// open count reaches zero, readonly levels still held through the handle
// are cleared and the graph becomes unowned. Closing an already closed
// handle returns false.
//
// # Outputs
//
//   - bool: True if the graph was released by this call.
//   - error: PermissionDenied for borrowed handles.
func (h *Handle) Close(ctx context.Context) (bool, error) {
	if h.borrowed {
		return false, engine.NewAccessError("close_graph", h.graph.Name(), engine.ReasonBadContext,
			"borrowed graph handle cannot be closed")
	}
	g := h.graph
	g.mu.Lock()
	defer g.mu.Unlock()

	h.mu.Lock()
	if h.opens == 0 {
		h.mu.Unlock()
		return false, nil
	}
	h.opens--
	if h.opens > 0 {
		h.mu.Unlock()
		return false, nil
	}
	levels := h.readonly
	h.readonly = 0
	h.mu.Unlock()

	for i := 0; i < levels; i++ {
		g.ro.ClearReadonly(ctx, h.session)
	}
	if g.owner == h {
		g.owner = nil
	}
	g.logger.Debug("Graph closed", "owner", h.session.ID(), "readonly_cleared", levels)
	return true, nil
}
