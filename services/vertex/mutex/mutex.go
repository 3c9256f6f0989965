// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mutex provides named mutual exclusion backed by graph vertices.
//
// A lock is a vertex of a reserved type held writable. Exclusion comes from
// the engine's writable exclusivity; there is no separate lock table. After
// release the lock vertex lingers for its configured lifespan and is then
// expired by the engine.
package mutex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

const (
	// LockType is the reserved vertex type of lock vertices.
	LockType = "__vgx_lock__"

	// SynchronizedID is the lock id used by Synchronized.
	SynchronizedID = "_SYN"

	// DefaultSynchronizedTimeout bounds the wait in Synchronized.
	DefaultSynchronizedTimeout = 5 * time.Second

	// Forever keeps a released lock vertex until it is locked again.
	Forever time.Duration = -1

	idPrefix = "lock_::"
)

// Locker acquires lock vertices through an access controller.
//
// # Thread Safety
//
// Safe for concurrent use.
type Locker struct {
	ctrl        *access.Controller
	graph       string
	syncTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithSynchronizedTimeout sets the Synchronized wait. Must be positive.
func WithSynchronizedTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.syncTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocker creates a locker for the graph behind ctrl.
func NewLocker(ctrl *access.Controller, opts ...Option) *Locker {
	l := &Locker{
		ctrl:        ctrl,
		graph:       ctrl.Engine().Name(),
		syncTimeout: DefaultSynchronizedTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// VertexID returns the vertex id backing lock id.
func (l *Locker) VertexID(id string) string {
	return idPrefix + l.graph + "::" + id
}

// IsLockVertex reports whether vertexID names a lock vertex of this graph.
func (l *Locker) IsLockVertex(vertexID string) bool {
	return strings.HasPrefix(vertexID, idPrefix+l.graph+"::")
}

// Lock acquires lock id for s.
//
// # Description
//
// An empty id is replaced by a fresh id from the session's hash chain, so
// the lock is unique and only useful through the returned handle. The lock
// vertex is created on first use. Holding it writable is holding the lock;
// recursive Lock calls by the same session nest.
//
// # Inputs
//
//   - ctx: Cancels the wait.
//   - s: Calling session.
//   - id: Lock name, or "" for an anonymous lock.
//   - linger: How long the lock vertex survives its final release.
//     Forever keeps it.
//   - timeout: Zero fails at once when held elsewhere, negative waits on
//     ctx.
//
// # Outputs
//
//   - *access.Handle: Writable handle on the lock vertex.
//   - error: *engine.AccessError. Busy or Timeout when held elsewhere.
//
// # Example
//
//	h, err := locker.Lock(ctx, sess, "reindex", 0, time.Second)
//	if err != nil {
//	    return err
//	}
//	defer locker.Unlock(sess, h)
func (l *Locker) Lock(ctx context.Context, s *access.Session, id string, linger, timeout time.Duration) (*access.Handle, error) {
	if s == nil {
		return nil, engine.NewAccessError("lock", id, engine.ReasonBadContext, "nil session")
	}
	if id == "" {
		id = s.NextLockID()
	}
	if linger < 0 {
		linger = Forever
	}
	opts := engine.OpenOptions{Type: LockType}.WithLifespan(linger)
	return l.ctrl.OpenWith(ctx, s, l.VertexID(id), engine.ModeWritable, timeout, opts)
}

// Unlock releases a lock handle.
func (l *Locker) Unlock(s *access.Session, h *access.Handle) (bool, error) {
	if h != nil && !l.IsLockVertex(h.ID()) {
		return false, engine.NewAccessError("unlock", h.ID(), engine.ReasonInvalid,
			fmt.Sprintf("vertex %q is not a lock of graph %s", h.ID(), l.graph))
	}
	return l.ctrl.Close(s, h)
}

// Synchronized runs fn while holding the graph's well-known lock.
//
// The lock is released on every exit path, including a panic in fn, which
// is re-raised after release.
func (l *Locker) Synchronized(ctx context.Context, s *access.Session, fn func(context.Context) error) error {
	h, err := l.Lock(ctx, s, SynchronizedID, Forever, l.syncTimeout)
	if err != nil {
		return fmt.Errorf("acquire synchronized lock: %w", err)
	}
	defer func() {
		if _, err := l.Unlock(s, h); err != nil {
			l.logger.Error("Failed to release synchronized lock", "owner", s.ID(), "error", err)
		}
	}()
	return fn(ctx)
}
