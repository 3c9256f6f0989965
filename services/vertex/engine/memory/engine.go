// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory is an in-process implementation of engine.Engine.
//
// A single engine mutex guards the vertex table and lock state. Waiters
// block on a broadcast channel that is replaced on every release, so the
// first waiter to observe a free vertex wins. There is no FIFO fairness
// among waiters for the same vertex.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

// Store persists vertex records. Implemented by storage/badger.VertexStore.
type Store interface {
	Put(rec engine.VertexRecord) error
	Delete(id string) error
	LoadAll(fn func(engine.VertexRecord) error) error
}

// Config configures an Engine.
type Config struct {
	// Name is the graph name. Required.
	Name string

	// TTLInterval is the background expiry period. Zero uses one second.
	TTLInterval time.Duration

	// MaxExpirationsPerSecond paces background deletions. Zero uses 1000.
	MaxExpirationsPerSecond float64

	// Store, when set, receives every structural change and seeds the
	// engine on New.
	Store Store

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine is the in-memory graph engine.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Engine struct {
	name   string
	logger *slog.Logger
	store  Store

	mu        sync.Mutex
	changed   chan struct{}
	vertices  map[string]*vertex
	free      []*vertex
	nextSlot  uint64
	held      map[engine.OwnerID]map[*vertex]struct{}
	writers   int
	roCount   int
	roPending bool

	opid   atomic.Int64
	events *eventProcessor
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine and loads any records from cfg.Store.
//
// The TTL processor is created enabled but its background loop does not
// run until Start is called.
func New(cfg Config) (*Engine, error) {
	if cfg.Name == "" {
		return nil, errors.New("graph name must not be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		name:     cfg.Name,
		logger:   logger.With("graph", cfg.Name),
		store:    cfg.Store,
		changed:  make(chan struct{}),
		vertices: make(map[string]*vertex),
		held:     make(map[engine.OwnerID]map[*vertex]struct{}),
	}
	e.events = newEventProcessor(e, cfg.TTLInterval, cfg.MaxExpirationsPerSecond)

	if cfg.Store != nil {
		if err := e.load(); err != nil {
			return nil, fmt.Errorf("load graph %s: %w", cfg.Name, err)
		}
	}
	return e, nil
}

func (e *Engine) load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	err := e.store.LoadAll(func(rec engine.VertexRecord) error {
		v := e.allocLocked(rec.ID, rec.Type)
		v.lifespan = rec.Lifespan
		v.expiresAt = rec.ExpiresAt
		v.arcs = append([]engine.Arc(nil), rec.Arcs...)
		n++
		return nil
	})
	if err != nil {
		return err
	}
	engineVertices.WithLabelValues(e.name).Set(float64(len(e.vertices)))
	e.logger.Info("Loaded vertices from store", "count", n)
	return nil
}

// Start runs the background TTL loop until ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.events.start(ctx)
}

// Close stops the background TTL loop. The store is not closed.
func (e *Engine) Close() error {
	e.events.stop()
	return nil
}

// Name returns the graph name.
func (e *Engine) Name() string {
	return e.name
}

// OpID returns the global operation counter.
func (e *Engine) OpID() int64 {
	return e.opid.Load()
}

// Events returns the TTL processor.
func (e *Engine) Events() engine.EventProcessor {
	return e.events
}

// VertexCount returns the number of stored vertices.
func (e *Engine) VertexCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vertices)
}

// Exists reports whether id is stored.
func (e *Engine) Exists(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vertices[id]
	return ok
}

// OpenVertex acquires id for owner, creating it when mode is ModeWritable.
func (e *Engine) OpenVertex(ctx context.Context, owner engine.OwnerID, id string, mode engine.Mode, timeout time.Duration, opts engine.OpenOptions) (engine.Vertex, error) {
	const op = "open_vertex"
	if id == "" {
		return nil, engine.NewAccessError(op, id, engine.ReasonInvalid, "empty vertex id")
	}
	if owner == "" {
		return nil, engine.NewAccessError(op, id, engine.ReasonBadContext, "empty owner")
	}

	start := time.Now()
	deadline := start.Add(timeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		v := e.vertices[id]
		if v == nil {
			if mode != engine.ModeWritable {
				return nil, engine.NewAccessError(op, id, engine.ReasonNoExist, "")
			}
			if r := e.gateLocked(); r != engine.ReasonNone {
				return nil, engine.NewAccessError(op, id, r, "")
			}
			v = e.createLocked(id, opts.Type)
		} else if opts.Type != "" && mode.IsWritable() && v.typ != opts.Type {
			return nil, engine.NewAccessError(op, id, engine.ReasonTypeMismatch,
				fmt.Sprintf("vertex has type %q, requested %q", v.typ, opts.Type))
		}

		r := e.checkLocked(owner, v, mode.IsWritable())
		if r == engine.ReasonNone {
			e.grantLocked(owner, v, mode.IsWritable())
			if opts.Lifespan != nil && mode.IsWritable() && v.lifespan != *opts.Lifespan {
				v.lifespan = *opts.Lifespan
				v.lifespanChanged = true
			}
			e.observeWait(op, start)
			return v, nil
		}
		if r != engine.ReasonLocked {
			return nil, engine.NewAccessError(op, id, r, "")
		}
		if !e.waitLocked(ctx, timeout, deadline) {
			return nil, e.contentionError(ctx, op, id, timeout)
		}
	}
}

// CloseVertex releases one acquisition of v held by owner.
func (e *Engine) CloseVertex(owner engine.OwnerID, v engine.Vertex) (bool, error) {
	vx, err := asVertex("close_vertex", v)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked(owner, vx), nil
}

// CloseOpenVertices releases every hold of owner.
func (e *Engine) CloseOpenVertices(owner engine.OwnerID) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for v := range e.held[owner] {
		for e.releaseLocked(owner, v) {
		}
		n++
	}
	if n > 0 {
		e.logger.Debug("Closed all open vertices", "owner", owner, "count", n)
	}
	return n
}

// EscalateReadonlyToWritable upgrades owner's single readonly hold of v.
func (e *Engine) EscalateReadonlyToWritable(ctx context.Context, owner engine.OwnerID, v engine.Vertex, timeout time.Duration) (engine.Vertex, error) {
	const op = "escalate"
	vx, err := asVertex(op, v)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	deadline := start.Add(timeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	if vx.writer == owner {
		return vx, nil
	}
	switch n := vx.readers[owner]; {
	case n == 0:
		return nil, engine.NewAccessError(op, vx.id, engine.ReasonBadContext, "vertex not held readonly by caller")
	case n > 1:
		return nil, engine.NewAccessError(op, vx.id, engine.ReasonReadonlyDisallowed,
			fmt.Sprintf("cannot escalate recursive readonly hold (depth %d)", n))
	}

	for {
		if r := e.gateLocked(); r != engine.ReasonNone {
			return nil, engine.NewAccessError(op, vx.id, r, "")
		}
		if vx.writer == "" && len(vx.readers) == 1 {
			delete(vx.readers, owner)
			vx.writer = owner
			vx.wdepth = 1
			e.writers++
			e.observeWait(op, start)
			return vx, nil
		}
		if !e.waitLocked(ctx, timeout, deadline) {
			return nil, e.contentionError(ctx, op, vx.id, timeout)
		}
	}
}

// RelaxWritableToReadonly downgrades owner's writable hold of v.
func (e *Engine) RelaxWritableToReadonly(owner engine.OwnerID, v engine.Vertex) (bool, error) {
	const op = "relax"
	vx, err := asVertex(op, v)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if vx.writer != owner {
		if vx.readers[owner] > 0 {
			return true, nil
		}
		return false, engine.NewAccessError(op, vx.id, engine.ReasonBadContext, "vertex not held writable by caller")
	}
	if vx.wdepth > 1 {
		return false, nil
	}
	vx.writer = ""
	vx.wdepth = 0
	vx.readers[owner] = 1
	e.writers--
	e.broadcastLocked()
	return true, nil
}

// AtomicAcquireVerticesWritable acquires every id writable or none.
func (e *Engine) AtomicAcquireVerticesWritable(ctx context.Context, owner engine.OwnerID, ids []string, timeout time.Duration) ([]engine.Vertex, error) {
	return e.atomicAcquire(ctx, "acquire_writable", owner, ids, timeout, true)
}

// AtomicAcquireVerticesReadonly acquires every id readonly or none.
func (e *Engine) AtomicAcquireVerticesReadonly(ctx context.Context, owner engine.OwnerID, ids []string, timeout time.Duration) ([]engine.Vertex, error) {
	return e.atomicAcquire(ctx, "acquire_readonly", owner, ids, timeout, false)
}

func (e *Engine) atomicAcquire(ctx context.Context, op string, owner engine.OwnerID, ids []string, timeout time.Duration, writable bool) ([]engine.Vertex, error) {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, engine.NewAccessError(op, id, engine.ReasonInvalid, "empty vertex id")
		}
		if _, dup := seen[id]; dup {
			return nil, engine.NewAccessError(op, id, engine.ReasonInvalid, "duplicate vertex id")
		}
		seen[id] = struct{}{}
	}

	start := time.Now()
	deadline := start.Add(timeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	vs := make([]*vertex, len(ids))
	for {
		blocked := ""
		for i, id := range ids {
			v := e.vertices[id]
			if v == nil {
				return nil, engine.NewAccessError(op, id, engine.ReasonNoExist, "")
			}
			vs[i] = v
			r := e.checkLocked(owner, v, writable)
			if r == engine.ReasonLocked {
				if blocked == "" {
					blocked = id
				}
				continue
			}
			if r != engine.ReasonNone {
				return nil, engine.NewAccessError(op, id, r, "")
			}
		}

		if blocked == "" {
			out := make([]engine.Vertex, len(vs))
			for i, v := range vs {
				e.grantLocked(owner, v, writable)
				out[i] = v
			}
			e.observeWait(op, start)
			return out, nil
		}
		if !e.waitLocked(ctx, timeout, deadline) {
			return nil, e.contentionError(ctx, op, blocked, timeout)
		}
	}
}

// AtomicReleaseVertices releases one acquisition of each vertex.
func (e *Engine) AtomicReleaseVertices(owner engine.OwnerID, vs []engine.Vertex) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, v := range vs {
		vx, ok := v.(*vertex)
		if !ok || vx == nil || vx.e != e {
			continue
		}
		if e.releaseLocked(owner, vx) {
			n++
		}
	}
	return n, nil
}

// AcquireGraphReadonly closes the readonly gate, waiting for writers to
// drain unless force is set. Nested calls only increment the depth.
func (e *Engine) AcquireGraphReadonly(ctx context.Context, owner engine.OwnerID, timeout time.Duration, force bool) error {
	const op = "acquire_graph_readonly"
	start := time.Now()
	deadline := start.Add(timeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	// One transition at a time. Late arrivals nest once it completes.
	for {
		if e.roCount > 0 {
			e.roCount++
			return nil
		}
		if force || !e.roPending {
			break
		}
		if !e.waitLocked(ctx, timeout, deadline) {
			return e.contentionError(ctx, op, "", timeout)
		}
	}

	if force {
		if e.writers > 0 {
			e.logger.Warn("Forcing graph readonly with writable vertices outstanding",
				"owner", owner, "writable", e.writers)
		}
		e.roPending = false
		e.roCount = 1
		e.broadcastLocked()
		return nil
	}

	e.roPending = true
	e.broadcastLocked()
	for e.writers > 0 && e.roCount == 0 {
		if !e.waitLocked(ctx, timeout, deadline) {
			e.roPending = false
			e.broadcastLocked()
			err := e.contentionError(ctx, op, "", timeout)
			err.Detail = fmt.Sprintf("%d vertices still writable", e.writers)
			return err
		}
	}
	e.roPending = false
	e.roCount++
	e.broadcastLocked()
	e.observeWait(op, start)
	return nil
}

// ReleaseGraphReadonly leaves one readonly level.
func (e *Engine) ReleaseGraphReadonly(_ engine.OwnerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.roCount == 0 {
		return false
	}
	e.roCount--
	if e.roCount == 0 {
		e.broadcastLocked()
	}
	return true
}

// IsGraphReadonly reports whether the readonly gate is closed.
func (e *Engine) IsGraphReadonly() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roCount > 0
}

// ReadonlyRecursion returns the readonly depth.
func (e *Engine) ReadonlyRecursion() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roCount
}

// WritableVertices returns up to limit writable vertex ids in sorted order.
func (e *Engine) WritableVertices(limit int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for id, v := range e.vertices {
		if v.writer != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// gateLocked returns the readonly gate reason blocking a new writer.
func (e *Engine) gateLocked() engine.Reason {
	switch {
	case e.roCount > 0:
		return engine.ReasonReadonlyGraph
	case e.roPending:
		return engine.ReasonReadonlyPending
	default:
		return engine.ReasonNone
	}
}

// checkLocked reports whether owner could acquire v right now.
func (e *Engine) checkLocked(owner engine.OwnerID, v *vertex, writable bool) engine.Reason {
	if v.writer == owner {
		return engine.ReasonNone
	}
	if !writable {
		if v.writer != "" {
			return engine.ReasonLocked
		}
		return engine.ReasonNone
	}
	if r := e.gateLocked(); r != engine.ReasonNone {
		return r
	}
	if v.readers[owner] > 0 {
		return engine.ReasonReadonlyDisallowed
	}
	if v.isHeld() {
		return engine.ReasonLocked
	}
	return engine.ReasonNone
}

// grantLocked records an acquisition already approved by checkLocked.
func (e *Engine) grantLocked(owner engine.OwnerID, v *vertex, writable bool) {
	switch {
	case v.writer == owner:
		v.wdepth++
	case writable:
		v.writer = owner
		v.wdepth = 1
		v.expiresAt = time.Time{}
		e.writers++
	default:
		v.readers[owner]++
	}
	set := e.held[owner]
	if set == nil {
		set = make(map[*vertex]struct{})
		e.held[owner] = set
	}
	set[v] = struct{}{}
}

// releaseLocked drops one acquisition. Returns false if owner held nothing.
func (e *Engine) releaseLocked(owner engine.OwnerID, v *vertex) bool {
	switch {
	case v.writer == owner:
		v.wdepth--
		if v.wdepth > 0 {
			return true
		}
		v.writer = ""
		e.writers--
		// A negative lifespan also drops an expiry left by an earlier release.
		dirty := v.lifespanChanged || v.lifespan >= 0 || !v.expiresAt.IsZero()
		v.expiresAt = time.Time{}
		if v.lifespan >= 0 {
			v.expiresAt = time.Now().Add(v.lifespan)
		}
		if dirty {
			v.lifespanChanged = false
			e.persistLocked(v)
		}
	case v.readers[owner] > 0:
		v.readers[owner]--
		if v.readers[owner] > 0 {
			return true
		}
		delete(v.readers, owner)
	default:
		return false
	}

	if set := e.held[owner]; set != nil {
		delete(set, v)
		if len(set) == 0 {
			delete(e.held, owner)
		}
	}
	e.broadcastLocked()
	return true
}

func (e *Engine) allocLocked(id, typ string) *vertex {
	var v *vertex
	if n := len(e.free); n > 0 {
		v = e.free[n-1]
		e.free = e.free[:n-1]
	} else {
		e.nextSlot++
		v = &vertex{e: e, slot: e.nextSlot}
	}
	v.reset(id, typ)
	e.vertices[id] = v
	return v
}

func (e *Engine) createLocked(id, typ string) *vertex {
	v := e.allocLocked(id, typ)
	e.opid.Add(1)
	e.persistLocked(v)
	engineVertices.WithLabelValues(e.name).Set(float64(len(e.vertices)))
	return v
}

// deleteLocked removes an unheld vertex, drops inbound arcs and recycles
// its slot.
func (e *Engine) deleteLocked(v *vertex) {
	id := v.id
	delete(e.vertices, id)
	for _, other := range e.vertices {
		if other.removeArcs(id, "") > 0 {
			e.persistLocked(other)
		}
	}
	if e.store != nil {
		if err := e.store.Delete(id); err != nil {
			e.logger.Warn("Failed to delete vertex from store", "vertex", id, "error", err)
		}
	}
	v.reset("", "")
	e.free = append(e.free, v)
	e.opid.Add(1)
	engineVertices.WithLabelValues(e.name).Set(float64(len(e.vertices)))
}

func (e *Engine) persistLocked(v *vertex) {
	if e.store == nil {
		return
	}
	if err := e.store.Put(v.record()); err != nil {
		e.logger.Warn("Failed to persist vertex", "vertex", v.id, "error", err)
	}
}

func (e *Engine) broadcastLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// waitLocked releases the mutex until the next state change, the deadline
// or ctx cancellation. Returns false if the caller should give up.
// A zero timeout never waits and a negative one waits on ctx alone.
func (e *Engine) waitLocked(ctx context.Context, timeout time.Duration, deadline time.Time) bool {
	if timeout == 0 || ctx.Err() != nil {
		return false
	}
	var expired <-chan time.Time
	if timeout > 0 {
		d := time.Until(deadline)
		if d <= 0 {
			return false
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	ch := e.changed
	e.mu.Unlock()
	defer e.mu.Lock()

	select {
	case <-ch:
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) contentionError(ctx context.Context, op, id string, timeout time.Duration) *engine.AccessError {
	reason := engine.ReasonTimeout
	detail := fmt.Sprintf("not acquired within %s", timeout)
	switch {
	case timeout == 0:
		reason = engine.ReasonLocked
		detail = "held by another owner"
	case ctx.Err() != nil:
		detail = ctx.Err().Error()
	}
	engineContention.WithLabelValues(e.name, op, reason.String()).Inc()
	return engine.NewAccessError(op, id, reason, detail)
}

func (e *Engine) observeWait(op string, start time.Time) {
	engineWaitDuration.WithLabelValues(e.name, op).Observe(time.Since(start).Seconds())
}

func asVertex(op string, v engine.Vertex) (*vertex, error) {
	vx, ok := v.(*vertex)
	if !ok || vx == nil {
		return nil, engine.NewAccessError(op, "", engine.ReasonInvalid, "not a vertex of this engine")
	}
	return vx, nil
}
