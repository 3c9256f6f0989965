// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph ties the vertex access components together into one
// caller-facing Graph and manages the set of open graphs.
//
// A Graph composes the access Controller, BatchAcquirer, readonly
// Coordinator and mutex Locker over a single engine. A Registry owns the
// engines, their persistence and their background event processors.
package graph

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/config"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/mutex"
	"github.com/AleutianAI/AleutianVertex/services/vertex/query"
	"github.com/AleutianAI/AleutianVertex/services/vertex/readonly"
	"github.com/AleutianAI/AleutianVertex/services/vertex/telemetry"
)

// settings holds the options shared by Graph and Registry.
type settings struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Graph or Registry.
type Option func(*settings)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to telemetry.Default().
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{logger: slog.Default(), metrics: telemetry.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Graph is the caller-facing surface of one graph.
//
// # Thread Safety
//
// Safe for concurrent use by many sessions.
type Graph struct {
	eng     engine.Engine
	ctrl    *access.Controller
	batch   *access.BatchAcquirer
	ro      *readonly.Coordinator
	locker  *mutex.Locker
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu    sync.Mutex
	owner *Handle
}

// New builds a Graph over eng using the access tuning in cfg.
func New(eng engine.Engine, cfg config.AccessConfig, opts ...Option) *Graph {
	s := newSettings(opts)
	logger := s.logger.With("graph", eng.Name())

	ctrl := access.NewController(eng,
		access.WithLogger(logger),
		access.WithMetrics(s.metrics),
	)
	batchOpts := []access.BatchOption{
		access.WithBatchLogger(logger),
		access.WithBatchMetrics(s.metrics),
	}
	if cfg.PartialWindow > 0 {
		batchOpts = append(batchOpts, access.WithPartialWindow(cfg.PartialWindow))
	}
	if cfg.OpFailBackoff > 0 {
		batchOpts = append(batchOpts, access.WithOpFailBackoff(cfg.OpFailBackoff))
	}
	roOpts := []readonly.Option{
		readonly.WithLogger(logger),
		readonly.WithMetrics(s.metrics),
	}
	if cfg.MaxWritableReport > 0 {
		roOpts = append(roOpts, readonly.WithMaxWritableReport(cfg.MaxWritableReport))
	}
	lockOpts := []mutex.Option{mutex.WithLogger(logger)}
	if cfg.SynchronizedTimeout > 0 {
		lockOpts = append(lockOpts, mutex.WithSynchronizedTimeout(cfg.SynchronizedTimeout))
	}

	return &Graph{
		eng:     eng,
		ctrl:    ctrl,
		batch:   access.NewBatchAcquirer(eng, batchOpts...),
		ro:      readonly.NewCoordinator(eng, roOpts...),
		locker:  mutex.NewLocker(ctrl, lockOpts...),
		logger:  logger,
		metrics: s.metrics,
	}
}

// Name returns the graph name.
func (g *Graph) Name() string {
	return g.eng.Name()
}

// Engine returns the underlying engine.
func (g *Graph) Engine() engine.Engine {
	return g.eng
}

// OpenVertex opens one vertex. mode is "r", "w", "a" or a long form
// accepted by engine.ParseMode.
func (g *Graph) OpenVertex(ctx context.Context, s *access.Session, id, mode string, timeout time.Duration) (*access.Handle, error) {
	m, err := engine.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	return g.ctrl.Open(ctx, s, id, m, timeout)
}

// OpenVertices acquires all ids atomically.
func (g *Graph) OpenVertices(ctx context.Context, s *access.Session, ids []string, mode string, timeout time.Duration) ([]*access.Handle, error) {
	m, err := engine.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	return g.batch.AcquireAll(ctx, s, ids, m, timeout)
}

// CloseVertex releases one handle.
func (g *Graph) CloseVertex(s *access.Session, h *access.Handle) (bool, error) {
	return g.ctrl.Close(s, h)
}

// CloseVertices releases a set of handles in one step.
func (g *Graph) CloseVertices(s *access.Session, hs []*access.Handle) (int, error) {
	return g.batch.ReleaseAll(s, hs)
}

// CloseAll releases everything s holds and invalidates its handles.
func (g *Graph) CloseAll(s *access.Session) int {
	return g.ctrl.CloseAll(s)
}

// EscalateVertex upgrades a readonly handle to writable.
func (g *Graph) EscalateVertex(ctx context.Context, s *access.Session, h *access.Handle, timeout time.Duration) error {
	return g.ctrl.Escalate(ctx, s, h, timeout)
}

// RelaxVertex downgrades a writable handle. Returns true if the handle is
// now readonly.
func (g *Graph) RelaxVertex(s *access.Session, h *access.Handle) (bool, error) {
	return g.ctrl.Relax(s, h)
}

// IsStale reports whether h predates a bulk close by its session.
func (g *Graph) IsStale(s *access.Session, h *access.Handle) bool {
	return g.ctrl.IsStale(s, h)
}

// SetGraphReadonly enters or nests readonly mode.
func (g *Graph) SetGraphReadonly(ctx context.Context, s *access.Session, timeout time.Duration, force bool, token string) error {
	return g.ro.SetReadonly(ctx, s, timeout, force, token)
}

// ClearGraphReadonly leaves one level of readonly mode.
func (g *Graph) ClearGraphReadonly(ctx context.Context, s *access.Session) bool {
	return g.ro.ClearReadonly(ctx, s)
}

// IsGraphReadonly reports whether the graph is readonly.
func (g *Graph) IsGraphReadonly() bool {
	return g.ro.IsReadonly()
}

// ReadonlyState returns the readonly state as seen by s.
func (g *Graph) ReadonlyState(s *access.Session) readonly.State {
	return g.ro.State(s)
}

// Lock acquires a named mutex vertex. An empty id creates an anonymous
// lock.
func (g *Graph) Lock(ctx context.Context, s *access.Session, id string, linger, timeout time.Duration) (*access.Handle, error) {
	return g.locker.Lock(ctx, s, id, linger, timeout)
}

// Unlock releases a lock handle.
func (g *Graph) Unlock(s *access.Session, h *access.Handle) (bool, error) {
	return g.locker.Unlock(s, h)
}

// Synchronized runs fn under the graph's well-known lock.
func (g *Graph) Synchronized(ctx context.Context, s *access.Session, fn func(context.Context) error) error {
	return g.locker.Synchronized(ctx, s, fn)
}

// NewQuery creates a neighborhood query owned by s.
func (g *Graph) NewQuery(s *access.Session, anchor string) (*query.Query, error) {
	return query.New(g.eng, s, anchor,
		query.WithLogger(g.logger),
		query.WithMetrics(g.metrics),
	)
}

// Connect adds or updates an arc. The source vertex is acquired writable
// for the duration of the call.
func (g *Graph) Connect(ctx context.Context, s *access.Session, rel engine.Relation, timeout time.Duration) (int, error) {
	if s == nil {
		return 0, engine.NewAccessError("connect", rel.From, engine.ReasonBadContext, "nil session")
	}
	return g.eng.Connect(ctx, s.ID(), rel, timeout)
}

// Disconnect removes matching arcs.
func (g *Graph) Disconnect(ctx context.Context, s *access.Session, rel engine.Relation, timeout time.Duration) (int, error) {
	if s == nil {
		return 0, engine.NewAccessError("disconnect", rel.From, engine.ReasonBadContext, "nil session")
	}
	return g.eng.Disconnect(ctx, s.ID(), rel, timeout)
}

// Neighbors returns the outgoing arcs of id.
func (g *Graph) Neighbors(ctx context.Context, s *access.Session, id string, timeout time.Duration) ([]engine.Arc, error) {
	if s == nil {
		return nil, engine.NewAccessError("neighbors", id, engine.ReasonBadContext, "nil session")
	}
	return g.eng.Neighbors(ctx, s.ID(), id, timeout)
}

// FlushEvents runs due expirations synchronously within budget.
func (g *Graph) FlushEvents(ctx context.Context, budget time.Duration) (int, error) {
	return g.eng.Events().Flush(ctx, budget)
}
