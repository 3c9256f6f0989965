// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package access grants, escalates, relaxes and releases vertex access on
// behalf of sessions.
//
// Controller handles single vertices and BatchAcquirer handles atomic
// multi-vertex acquisition. Both enforce that a handle is only ever used by
// the session that opened it and that handles issued before a bulk close
// are rejected as stale.
package access

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/telemetry"
)

const tracerName = "aleutian.vertex.access"

// Controller performs single vertex access for sessions.
//
// # Thread Safety
//
// Safe for concurrent use by many sessions.
type Controller struct {
	eng     engine.Engine
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to telemetry.Default().
func WithMetrics(m *telemetry.Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController creates a controller over eng.
func NewController(eng engine.Engine, opts ...ControllerOption) *Controller {
	c := &Controller{
		eng:     eng,
		logger:  slog.Default(),
		metrics: telemetry.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Engine returns the underlying engine.
func (c *Controller) Engine() engine.Engine {
	return c.eng
}

// Open acquires vertex id for s.
//
// # Description
//
// ModeWritable creates the vertex if it does not exist; ModeReadonly and
// ModeWritableNoCreate fail with a NotFound error instead. The returned
// handle is stamped with the session's current generation.
//
// # Inputs
//
//   - ctx: Cancels a blocking wait.
//   - s: Calling session.
//   - id: Vertex identifier. Must not be empty.
//   - mode: Requested access mode.
//   - timeout: Zero fails fast, negative waits until ctx is done.
//
// # Outputs
//
//   - *Handle: Open handle owned by s.
//   - error: *engine.AccessError on failure.
//
// # Example
//
//	h, err := ctrl.Open(ctx, sess, "alice", engine.ModeWritable, time.Second)
//	if err != nil {
//	    return err
//	}
//	defer ctrl.Close(sess, h)
func (c *Controller) Open(ctx context.Context, s *Session, id string, mode engine.Mode, timeout time.Duration) (*Handle, error) {
	return c.OpenWith(ctx, s, id, mode, timeout, engine.OpenOptions{})
}

// OpenWith is Open with engine options such as vertex type and lifespan.
func (c *Controller) OpenWith(ctx context.Context, s *Session, id string, mode engine.Mode, timeout time.Duration, opts engine.OpenOptions) (h *Handle, err error) {
	const op = "open"
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Controller.Open",
		trace.WithAttributes(
			attribute.String("vertex.id", id),
			attribute.String("vertex.mode", mode.String()),
		),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		c.finish(ctx, span, op, start, err)
	}()

	if s == nil {
		return nil, engine.NewAccessError(op, id, engine.ReasonBadContext, "nil session")
	}
	if id == "" {
		return nil, engine.NewAccessError(op, id, engine.ReasonInvalid, "empty vertex id")
	}

	v, err := c.eng.OpenVertex(ctx, s.ID(), id, mode, timeout, opts)
	if err != nil {
		return nil, err
	}
	return newHandle(s, v, id, mode), nil
}

// OpenHandle re-opens the vertex behind h, which must be held writable by
// s, and returns a new handle for the nested acquisition.
func (c *Controller) OpenHandle(ctx context.Context, s *Session, h *Handle, mode engine.Mode, timeout time.Duration) (nh *Handle, err error) {
	const op = "open"
	if h == nil {
		return nil, engine.NewAccessError(op, "", engine.ReasonInvalid, "nil handle")
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Controller.OpenHandle",
		trace.WithAttributes(attribute.String("vertex.id", h.ID())),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		c.finish(ctx, span, op, start, err)
	}()

	_, cur, err := h.snapshot(op, s)
	if err != nil {
		return nil, err
	}
	if !cur.IsWritable() {
		return nil, engine.NewKindError(op, h.ID(), engine.KindPermissionDenied, engine.ReasonBadContext,
			"handle is not held writable by the caller")
	}

	v, err := c.eng.OpenVertex(ctx, s.ID(), h.ID(), mode, timeout, engine.OpenOptions{})
	if err != nil {
		return nil, err
	}
	// The nested hold is part of the writable hold.
	if !mode.IsWritable() {
		mode = cur
	}
	return newHandle(s, v, h.ID(), mode), nil
}

// Close releases h.
//
// A nil or already closed handle is a no-op returning false. On release
// the live reference is cleared; the generation stamp is left alone.
func (c *Controller) Close(s *Session, h *Handle) (bool, error) {
	const op = "close"
	if h == nil || !h.IsOpen() {
		return false, nil
	}
	start := time.Now()

	ref, _, err := h.snapshot(op, s)
	if err != nil {
		c.metrics.RecordAccess(context.Background(), op, start, err)
		return false, err
	}

	released, err := c.eng.CloseVertex(s.ID(), ref)
	c.metrics.RecordAccess(context.Background(), op, start, err)
	if err != nil {
		return false, err
	}
	if !released {
		c.logger.Warn("Engine did not hold vertex being closed",
			"vertex", h.ID(), "owner", s.ID())
	}
	h.mu.Lock()
	h.ref = nil
	h.mu.Unlock()
	return released, nil
}

// CloseAll releases every vertex s holds and returns how many vertices
// were released.
//
// The session generation is advanced first, so every handle issued before
// the call is stale afterwards even if its slot is reused.
func (c *Controller) CloseAll(s *Session) int {
	if s == nil {
		return 0
	}
	gen := s.Generation().NextGeneration()
	n := c.eng.CloseOpenVertices(s.ID())
	c.logger.Debug("Closed all vertices for session",
		"owner", s.ID(), "count", n, "generation", gen)
	return n
}

// Escalate upgrades a readonly handle to writable in place.
//
// A negative timeout is rejected: an unbounded escalation wait can
// deadlock two readers escalating the same vertex. Escalating a writable
// handle is a no-op.
func (c *Controller) Escalate(ctx context.Context, s *Session, h *Handle, timeout time.Duration) (err error) {
	const op = "escalate"
	if h == nil {
		return engine.NewAccessError(op, "", engine.ReasonInvalid, "nil handle")
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Controller.Escalate",
		trace.WithAttributes(attribute.String("vertex.id", h.ID())),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		c.finish(ctx, span, op, start, err)
	}()

	if timeout < 0 {
		return engine.NewAccessError(op, h.ID(), engine.ReasonInvalid, "infinite timeout not allowed for this operation")
	}
	ref, mode, err := h.snapshot(op, s)
	if err != nil {
		return err
	}
	if mode.IsWritable() {
		return nil
	}

	if _, err := c.eng.EscalateReadonlyToWritable(ctx, s.ID(), ref, timeout); err != nil {
		return err
	}
	h.mu.Lock()
	h.mode = engine.ModeWritable
	h.mu.Unlock()
	return nil
}

// Relax downgrades a writable handle to readonly in place.
//
// Returns true if the vertex is now held readonly, false if a recursive
// writable hold keeps it writable. Never waits.
func (c *Controller) Relax(s *Session, h *Handle) (bool, error) {
	const op = "relax"
	if h == nil {
		return false, engine.NewAccessError(op, "", engine.ReasonInvalid, "nil handle")
	}
	start := time.Now()

	ref, mode, err := h.snapshot(op, s)
	if err != nil {
		c.metrics.RecordAccess(context.Background(), op, start, err)
		return false, err
	}
	if !mode.IsWritable() {
		return true, nil
	}

	readonly, err := c.eng.RelaxWritableToReadonly(s.ID(), ref)
	c.metrics.RecordAccess(context.Background(), op, start, err)
	if err != nil {
		return false, err
	}
	if readonly {
		h.mu.Lock()
		h.mode = engine.ModeReadonly
		h.mu.Unlock()
	}
	return readonly, nil
}

// IsStale reports whether h was issued before the last CloseAll of s.
func (c *Controller) IsStale(s *Session, h *Handle) bool {
	return s.Generation().IsStale(h)
}

func (c *Controller) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	c.metrics.RecordAccess(ctx, op, start, err)
	if err != nil {
		telemetry.RecordError(span, err)
		return
	}
	telemetry.SetSpanOK(span)
}
