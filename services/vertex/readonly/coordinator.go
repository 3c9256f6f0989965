// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package readonly coordinates the graph-wide readonly state.
//
// The graph is either writable or readonly. SetReadonly calls nest: each
// one must be matched by a ClearReadonly before writers are admitted again.
// While readonly, the engine's time-based expiry processing is suspended.
package readonly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/telemetry"
)

const tracerName = "aleutian.vertex.readonly"

// DefaultMaxWritableReport bounds the vertex ids listed in a TimeoutError.
const DefaultMaxWritableReport = 32

// State is a snapshot of the readonly state as seen by one session.
type State struct {
	Readonly     bool `json:"readonly"`
	Recursion    int  `json:"recursion"`
	TokenPending bool `json:"token_pending"`
}

// Coordinator drives readonly transitions for one graph.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	eng       engine.Engine
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	maxReport int

	// mu serializes event processor toggling so it tracks the gate.
	mu        sync.Mutex
	suspended bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithMaxWritableReport sets how many still-writable ids a timeout lists.
func WithMaxWritableReport(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxReport = n
		}
	}
}

// NewCoordinator creates a coordinator for eng.
func NewCoordinator(eng engine.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		eng:       eng,
		logger:    slog.Default(),
		metrics:   telemetry.Default(),
		maxReport: DefaultMaxWritableReport,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetReadonly enters readonly mode, or nests one level if already there.
//
// # Description
//
// The normal path waits until no vertex is held writable. The forced path
// does not wait but takes two calls: the first returns a *ForceTokenError
// carrying a one-time token, and repeating the call with that token
// performs the transition. Tokens belong to the session that received them
// and are consumed on use. Presenting a wrong token discards the pending
// one and returns a fresh token. A forced transition leaves existing writers in
// place; they may finish with what they hold but cannot acquire more.
//
// # Inputs
//
//   - ctx: Cancels the wait.
//   - s: Calling session.
//   - timeout: Zero fails at once if writers exist. Negative waits on ctx.
//   - force: Skip waiting for writers.
//   - token: Pending force token. Ignored unless force is set.
//
// # Outputs
//
//   - error: *ForceTokenError, *TimeoutError or *engine.AccessError.
func (c *Coordinator) SetReadonly(ctx context.Context, s *access.Session, timeout time.Duration, force bool, token string) (err error) {
	const op = "set_readonly"
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Coordinator.SetReadonly",
		trace.WithAttributes(attribute.Bool("readonly.force", force)),
	)
	defer span.End()
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
	}()

	if s == nil {
		return engine.NewAccessError(op, "", engine.ReasonBadContext, "nil session")
	}

	if force && (token == "" || !s.ConsumeForceToken(token)) {
		tok := s.IssueForceToken()
		c.logger.Info("Issued readonly force token", "owner", s.ID())
		return &ForceTokenError{Token: tok}
	}

	if err := c.eng.AcquireGraphReadonly(ctx, s.ID(), timeout, force); err != nil {
		switch engine.ReasonOf(err) {
		case engine.ReasonTimeout, engine.ReasonLocked:
			ids := c.eng.WritableVertices(c.maxReport + 1)
			te := &TimeoutError{Writable: ids, Err: err}
			if len(ids) > c.maxReport {
				te.Writable = ids[:c.maxReport]
				te.Truncated = true
			}
			c.logger.Warn("Readonly transition timed out",
				"owner", s.ID(), "writable", len(te.Writable), "truncated", te.Truncated)
			return te
		default:
			return err
		}
	}

	if c.syncEvents(ctx, force) {
		c.logger.Info("Graph entered readonly mode", "graph", c.eng.Name(), "owner", s.ID(), "forced", force)
	}
	span.SetAttributes(attribute.Int("readonly.recursion", c.eng.ReadonlyRecursion()))
	return nil
}

// ClearReadonly leaves one readonly level. Returns false if the graph was
// not readonly.
func (c *Coordinator) ClearReadonly(ctx context.Context, s *access.Session) bool {
	var owner engine.OwnerID
	if s != nil {
		owner = s.ID()
	}
	if !c.eng.ReleaseGraphReadonly(owner) {
		return false
	}
	if c.syncEvents(ctx, false) {
		c.logger.Info("Graph left readonly mode", "graph", c.eng.Name(), "owner", owner)
	}
	return true
}

// IsReadonly reports whether the graph is readonly.
func (c *Coordinator) IsReadonly() bool {
	return c.eng.IsGraphReadonly()
}

// State returns the readonly state. TokenPending refers to s and is false
// when s is nil.
func (c *Coordinator) State(s *access.Session) State {
	st := State{
		Recursion: c.eng.ReadonlyRecursion(),
	}
	st.Readonly = st.Recursion > 0
	if s != nil {
		st.TokenPending = s.PendingForceToken() != ""
	}
	return st
}

// syncEvents suspends or resumes expiry processing to match the gate and
// reports whether it changed anything.
func (c *Coordinator) syncEvents(ctx context.Context, forced bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	readonly := c.eng.IsGraphReadonly()
	if readonly == c.suspended {
		return false
	}
	c.suspended = readonly
	events := c.eng.Events()
	direction := "leave"
	if readonly {
		direction = "enter"
		if events != nil {
			events.Disable()
		}
	} else if events != nil {
		events.Enable()
	}
	c.metrics.RecordReadonlyTransition(ctx, direction, forced)
	return true
}
