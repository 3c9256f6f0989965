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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/telemetry"
)

const (
	// DefaultPartialWindow is the longest single engine wait in AcquireAll.
	DefaultPartialWindow = 250 * time.Millisecond

	// DefaultOpFailBackoff is the pause after a pending-mutation failure.
	DefaultOpFailBackoff = 20 * time.Millisecond
)

// BatchAcquirer acquires several vertices atomically.
//
// # Description
//
// The overall timeout is split into partial windows so the engine call
// returns periodically under contention. Transient failures are retried
// until the budget is spent; anything else fails immediately. Each engine
// attempt is all-or-nothing, so nothing is held between attempts.
//
// # Thread Safety
//
// Safe for concurrent use by many sessions.
type BatchAcquirer struct {
	eng     engine.Engine
	window  time.Duration
	backoff time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// BatchOption configures a BatchAcquirer.
type BatchOption func(*BatchAcquirer)

// WithPartialWindow sets the per-attempt engine wait.
func WithPartialWindow(d time.Duration) BatchOption {
	return func(b *BatchAcquirer) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithOpFailBackoff sets the pause after an OpFail reason.
func WithOpFailBackoff(d time.Duration) BatchOption {
	return func(b *BatchAcquirer) {
		if d > 0 {
			b.backoff = d
		}
	}
}

// WithBatchLogger sets the logger.
func WithBatchLogger(l *slog.Logger) BatchOption {
	return func(b *BatchAcquirer) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBatchMetrics sets the metrics sink.
func WithBatchMetrics(m *telemetry.Metrics) BatchOption {
	return func(b *BatchAcquirer) {
		b.metrics = m
	}
}

// NewBatchAcquirer creates a batch acquirer over eng.
func NewBatchAcquirer(eng engine.Engine, opts ...BatchOption) *BatchAcquirer {
	b := &BatchAcquirer{
		eng:     eng,
		window:  DefaultPartialWindow,
		backoff: DefaultOpFailBackoff,
		logger:  slog.Default(),
		metrics: telemetry.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AcquireAll acquires every id in mode for s, or none of them.
//
// # Description
//
// Writable batches never create vertices: ModeWritable is treated as
// ModeWritableNoCreate. A missing vertex fails with NotFound at once.
// Contention is retried in partial windows until timeout is spent, then
// reported as a Timeout error carrying the last engine reason.
//
// # Inputs
//
//   - ids: Non-empty, unique vertex ids. An empty slice returns no handles.
//   - mode: Access mode for every vertex.
//   - timeout: Total budget. Zero makes a single non-blocking attempt.
//     Negative is rejected because the retry loop must be bounded.
//
// # Outputs
//
//   - []*Handle: One handle per id, in request order.
//   - error: *engine.AccessError on failure. Nothing is held on error.
func (b *BatchAcquirer) AcquireAll(ctx context.Context, s *Session, ids []string, mode engine.Mode, timeout time.Duration) (hs []*Handle, err error) {
	const op = "acquire_all"
	ctx, span := telemetry.StartSpan(ctx, tracerName, "BatchAcquirer.AcquireAll",
		trace.WithAttributes(
			attribute.Int("batch.size", len(ids)),
			attribute.String("vertex.mode", mode.String()),
		),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		b.metrics.RecordAccess(ctx, op, start, err)
		if err != nil {
			telemetry.RecordError(span, err)
		}
	}()

	if s == nil {
		return nil, engine.NewAccessError(op, "", engine.ReasonBadContext, "nil session")
	}
	if timeout < 0 {
		return nil, engine.NewAccessError(op, "", engine.ReasonInvalid, "infinite timeout not allowed for batch acquisition")
	}
	if err := validateIDs(op, ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Handle{}, nil
	}
	if mode == engine.ModeWritable {
		mode = engine.ModeWritableNoCreate
	}

	remaining := timeout
	attempts := 0
	for {
		attempts++
		window := b.window
		if remaining < window {
			window = remaining
		}

		vs, err := b.acquire(ctx, s.ID(), ids, mode, window)
		if err == nil {
			hs := make([]*Handle, len(vs))
			for i, v := range vs {
				hs[i] = newHandle(s, v, ids[i], mode)
			}
			span.SetAttributes(attribute.Int("batch.attempts", attempts))
			return hs, nil
		}

		reason := engine.ReasonOf(err)
		if !reason.IsTransient() || timeout == 0 {
			return nil, err
		}
		blocked := idOf(err)
		if ctx.Err() != nil {
			return nil, engine.NewKindError(op, blocked, engine.KindTimeout, reason, ctx.Err().Error())
		}

		if reason == engine.ReasonOpFail {
			if serr := sleepContext(ctx, b.backoff); serr != nil {
				return nil, engine.NewKindError(op, blocked, engine.KindTimeout, reason, serr.Error())
			}
			remaining -= b.backoff
		} else {
			remaining -= window
		}
		if remaining <= 0 {
			b.logger.Debug("Batch acquisition budget exhausted",
				"owner", s.ID(), "size", len(ids), "attempts", attempts, "reason", reason)
			return nil, engine.NewKindError(op, blocked, engine.KindTimeout, reason,
				fmt.Sprintf("batch of %d not acquired within %s after %d attempts", len(ids), timeout, attempts))
		}
		b.metrics.RecordBatchRetry(ctx, reason)
	}
}

func (b *BatchAcquirer) acquire(ctx context.Context, owner engine.OwnerID, ids []string, mode engine.Mode, window time.Duration) ([]engine.Vertex, error) {
	if mode.IsWritable() {
		return b.eng.AtomicAcquireVerticesWritable(ctx, owner, ids, window)
	}
	return b.eng.AtomicAcquireVerticesReadonly(ctx, owner, ids, window)
}

// ReleaseAll releases handles acquired by AcquireAll, or any other open
// handles of s, in one engine call.
//
// # Description
//
// Nil and already closed handles are skipped. Every remaining handle is
// validated (owner, generation, listed once) before anything is released,
// so a bad handle leaves the whole set untouched. If the engine releases fewer
// vertices than expected the call fails with an Internal error, because
// some handles may now be orphaned. All validated handles are closed
// either way.
//
// # Outputs
//
//   - int: Number of vertices released.
//   - error: Validation or consistency failure.
func (b *BatchAcquirer) ReleaseAll(s *Session, hs []*Handle) (int, error) {
	const op = "release_all"
	start := time.Now()

	if s == nil {
		return 0, engine.NewAccessError(op, "", engine.ReasonBadContext, "nil session")
	}

	live := make([]*Handle, 0, len(hs))
	refs := make([]engine.Vertex, 0, len(hs))
	seen := make(map[*Handle]struct{}, len(hs))
	for _, h := range hs {
		if h == nil || !h.IsOpen() {
			continue
		}
		if _, dup := seen[h]; dup {
			err := engine.NewAccessError(op, h.ID(), engine.ReasonInvalid, "handle listed twice in batch")
			b.metrics.RecordAccess(context.Background(), op, start, err)
			return 0, err
		}
		seen[h] = struct{}{}
		ref, _, err := h.snapshot(op, s)
		if err != nil {
			b.metrics.RecordAccess(context.Background(), op, start, err)
			return 0, err
		}
		live = append(live, h)
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return 0, nil
	}

	n, err := b.eng.AtomicReleaseVertices(s.ID(), refs)
	if err != nil {
		b.metrics.RecordAccess(context.Background(), op, start, err)
		return n, err
	}
	if n < len(refs) {
		b.logger.Error("Vertices not closable, handles may be orphaned",
			"owner", s.ID(), "expected", len(refs), "released", n)
		err = engine.NewKindError(op, "", engine.KindInternal, engine.ReasonError,
			fmt.Sprintf("one or more vertices not closable: released %d of %d", n, len(refs)))
	}
	b.metrics.RecordAccess(context.Background(), op, start, err)

	for _, h := range live {
		h.mu.Lock()
		h.ref = nil
		h.mu.Unlock()
	}
	return n, err
}

func validateIDs(op string, ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return engine.NewAccessError(op, id, engine.ReasonInvalid, "empty vertex id")
		}
		if _, dup := seen[id]; dup {
			return engine.NewAccessError(op, id, engine.ReasonInvalid, "duplicate vertex id in batch")
		}
		seen[id] = struct{}{}
	}
	return nil
}

func idOf(err error) string {
	var ae *engine.AccessError
	if errors.As(err, &ae) {
		return ae.ID
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
