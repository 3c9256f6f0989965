// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query runs neighborhood queries against a graph engine and
// caches their results.
//
// A Query remembers its last result together with the engine operation
// counter at the time it ran. Executing again returns the remembered result
// when no parameter changed and the graph has not been mutated since.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/telemetry"
)

const tracerName = "aleutian.vertex.query"

// Result is the outcome of one query execution. Cached results are shared
// between calls and must not be modified.
type Result struct {
	Anchor string        `json:"anchor"`
	Arcs   []engine.Arc  `json:"arcs"`
	Total  int           `json:"total"`
	Hits   int           `json:"hits"`
	Offset int           `json:"offset"`
	OpID   int64         `json:"opid"`
	Took   time.Duration `json:"took_ns"`
}

// ValueRange bounds arc values, inclusive on both ends.
type ValueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r ValueRange) contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Query is a neighborhood query anchored at one vertex.
//
// # Description
//
// The query selects the anchor's outgoing arcs, optionally filtered by arc
// name and value range, ordered by descending value then target id, and
// paged by offset and hits. Setters mark the query dirty only when they
// change a value.
//
// # Thread Safety
//
// Safe for concurrent use, but only the owning session may execute it.
type Query struct {
	eng     engine.Engine
	owner   engine.OwnerID
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu         sync.Mutex
	anchor     string
	arcName    string
	arcValue   *ValueRange
	hits       int
	offset     int
	timeout    time.Duration
	dirty      bool
	cacheOpID  int64
	result     *Result
	executions int
}

// Option configures a Query.
type Option func(*Query)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Query) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(q *Query) {
		q.metrics = m
	}
}

// New creates a query owned by s and anchored at anchor.
//
// The query starts dirty with no result, unlimited hits, offset zero and a
// zero (non-blocking) timeout.
func New(eng engine.Engine, s *access.Session, anchor string, opts ...Option) (*Query, error) {
	if s == nil {
		return nil, engine.NewAccessError("new_query", anchor, engine.ReasonBadContext, "nil session")
	}
	q := &Query{
		eng:       eng,
		owner:     s.ID(),
		logger:    slog.Default(),
		metrics:   telemetry.Default(),
		anchor:    anchor,
		hits:      -1,
		dirty:     true,
		cacheOpID: -1,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Owner returns the owning session id.
func (q *Query) Owner() engine.OwnerID {
	return q.owner
}

// SetAnchor changes the anchor vertex.
func (q *Query) SetAnchor(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.anchor != id {
		q.anchor = id
		q.dirty = true
	}
}

// SetArcCondition restricts results to arcs named name. Empty matches any.
func (q *Query) SetArcCondition(name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.arcName != name {
		q.arcName = name
		q.dirty = true
	}
}

// SetArcValue restricts results to arcs whose value lies in [low, high].
func (q *Query) SetArcValue(low, high float64) error {
	if math.IsNaN(low) || math.IsNaN(high) || low > high {
		return engine.NewAccessError("set_arc_value", "", engine.ReasonInvalid,
			fmt.Sprintf("invalid arc value range [%v, %v]", low, high))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	r := ValueRange{Min: low, Max: high}
	if q.arcValue == nil || *q.arcValue != r {
		q.arcValue = &r
		q.dirty = true
	}
	return nil
}

// ClearArcValue removes the arc value restriction.
func (q *Query) ClearArcValue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.arcValue != nil {
		q.arcValue = nil
		q.dirty = true
	}
}

// SetHits limits the number of arcs returned. -1 returns all.
func (q *Query) SetHits(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.setHitsLocked(n)
}

// SetOffset skips the first n matching arcs.
func (q *Query) SetOffset(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.setOffsetLocked(n)
}

// SetTimeout sets how long execution may wait to read the anchor.
func (q *Query) SetTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setTimeoutLocked(d)
}

// IsDirty reports whether a parameter changed since the last execution.
func (q *Query) IsDirty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dirty
}

// OpID returns the engine operation counter stamped on the cached result,
// or -1 if the query has not run.
func (q *Query) OpID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cacheOpID
}

// Executions returns how many times the query actually ran against the
// engine.
func (q *Query) Executions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executions
}

func (q *Query) setHitsLocked(n int) error {
	if n < -1 {
		return engine.NewAccessError("set_hits", q.anchor, engine.ReasonInvalid,
			fmt.Sprintf("hits must be -1 or greater, got %d", n))
	}
	if q.hits != n {
		q.hits = n
		q.dirty = true
	}
	return nil
}

func (q *Query) setOffsetLocked(n int) error {
	if n < 0 {
		return engine.NewAccessError("set_offset", q.anchor, engine.ReasonInvalid,
			fmt.Sprintf("offset must not be negative, got %d", n))
	}
	if q.offset != n {
		q.offset = n
		q.dirty = true
	}
	return nil
}

func (q *Query) setTimeoutLocked(d time.Duration) {
	if q.timeout != d {
		q.timeout = d
		q.dirty = true
	}
}

// Execute returns the query result, from cache when possible.
//
// # Description
//
// Options override the stored hits, offset and timeout and persist like
// the matching setters. The cached result is returned, without touching
// the engine, when caching is enabled, no parameter changed and the
// engine operation counter equals the one stamped on the result.
// Otherwise the query runs and its result replaces the cache.
//
// # Inputs
//
//   - ctx: Cancels a wait for the anchor.
//   - s: Must be the owning session.
//   - opts: Per-call overrides.
//
// # Outputs
//
//   - *Result: Shared result. Do not modify.
//   - error: *engine.AccessError. An execution limit overrun carries
//     ReasonExecutionTimeout.
func (q *Query) Execute(ctx context.Context, s *access.Session, opts ...ExecOption) (res *Result, err error) {
	const op = "query_execute"
	if s == nil || s.ID() != q.owner {
		return nil, engine.NewKindError(op, "", engine.KindPermissionDenied, engine.ReasonBadContext,
			"query is owned by another session")
	}

	cfg := execConfig{cache: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if cfg.hits != nil {
		if err := q.setHitsLocked(*cfg.hits); err != nil {
			return nil, err
		}
	}
	if cfg.offset != nil {
		if err := q.setOffsetLocked(*cfg.offset); err != nil {
			return nil, err
		}
	}
	if cfg.timeout != nil {
		q.setTimeoutLocked(*cfg.timeout)
	}

	if cfg.cache && !q.dirty && q.result != nil && q.cacheOpID == q.eng.OpID() {
		q.metrics.RecordQueryCache(ctx, true)
		return q.result, nil
	}
	q.metrics.RecordQueryCache(ctx, false)

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Query.Execute",
		trace.WithAttributes(
			attribute.String("vertex.id", q.anchor),
			attribute.Int("query.hits", q.hits),
			attribute.Int("query.offset", q.offset),
		),
	)
	defer span.End()

	res, err = q.runLocked(ctx, cfg.limexec)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanOK(span)
	return res, nil
}

// runLocked executes against the engine and replaces the cache.
func (q *Query) runLocked(ctx context.Context, limexec time.Duration) (*Result, error) {
	const op = "query_execute"
	if q.anchor == "" {
		return nil, engine.NewAccessError(op, "", engine.ReasonInvalid, "query has no anchor")
	}

	q.result = nil

	// Stamp before reading so a concurrent mutation invalidates the result.
	opid := q.eng.OpID()
	start := time.Now()

	runCtx := ctx
	if limexec > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limexec)
		defer cancel()
	}

	arcs, err := q.eng.Neighbors(runCtx, q.owner, q.anchor, q.timeout)
	if err != nil {
		if limexec > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, engine.NewAccessError(op, q.anchor, engine.ReasonExecutionTimeout,
				fmt.Sprintf("execution limit %s exceeded", limexec))
		}
		return nil, err
	}

	matched := arcs[:0]
	for _, a := range arcs {
		if q.arcName != "" && a.Name != q.arcName {
			continue
		}
		if q.arcValue != nil && !q.arcValue.contains(a.Value) {
			continue
		}
		matched = append(matched, a)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Value != matched[j].Value {
			return matched[i].Value > matched[j].Value
		}
		if matched[i].To != matched[j].To {
			return matched[i].To < matched[j].To
		}
		return matched[i].Name < matched[j].Name
	})

	res := &Result{
		Anchor: q.anchor,
		Total:  len(matched),
		Hits:   q.hits,
		Offset: q.offset,
		OpID:   opid,
	}
	lo := min(q.offset, len(matched))
	hi := len(matched)
	if q.hits >= 0 {
		hi = min(lo+q.hits, hi)
	}
	res.Arcs = append([]engine.Arc{}, matched[lo:hi]...)
	res.Took = time.Since(start)

	q.result = res
	q.cacheOpID = opid
	q.dirty = false
	q.executions++
	q.logger.Debug("Query executed",
		"anchor", q.anchor, "total", res.Total, "returned", len(res.Arcs), "opid", opid)
	return res, nil
}
