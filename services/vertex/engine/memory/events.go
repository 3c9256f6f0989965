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
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrEventsSuspended is returned by Flush while the processor is disabled.
var ErrEventsSuspended = errors.New("event processor suspended")

// flushBatch bounds how many vertices are expired per critical section.
const flushBatch = 64

// eventProcessor expires vertices whose lifespan has elapsed.
type eventProcessor struct {
	e        *Engine
	interval time.Duration
	limiter  *rate.Limiter
	enabled  atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newEventProcessor(e *Engine, interval time.Duration, perSecond float64) *eventProcessor {
	if interval <= 0 {
		interval = time.Second
	}
	if perSecond <= 0 {
		perSecond = 1000
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	p := &eventProcessor{
		e:        e,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
	}
	p.enabled.Store(true)
	return p
}

// Enable resumes expiry processing.
func (p *eventProcessor) Enable() {
	if !p.enabled.Swap(true) {
		p.e.logger.Info("Event processor resumed")
	}
}

// Disable suspends expiry processing.
func (p *eventProcessor) Disable() {
	if p.enabled.Swap(false) {
		p.e.logger.Info("Event processor suspended")
	}
}

// IsEnabled reports whether processing is active.
func (p *eventProcessor) IsEnabled() bool {
	return p.enabled.Load()
}

// Flush expires every due vertex, stopping early when budget is spent or
// ctx is done. Background pacing does not apply.
func (p *eventProcessor) Flush(ctx context.Context, budget time.Duration) (int, error) {
	if !p.IsEnabled() {
		return 0, ErrEventsSuspended
	}
	deadline := time.Now().Add(budget)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n := p.e.expireDue(time.Now(), flushBatch)
		total += n
		if n < flushBatch || (budget > 0 && time.Now().After(deadline)) {
			return total, nil
		}
	}
}

func (p *eventProcessor) start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true
	go p.run(ctx)
}

func (p *eventProcessor) stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *eventProcessor) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !p.IsEnabled() {
				continue
			}
			allowed := int(p.limiter.TokensAt(now))
			if allowed <= 0 {
				continue
			}
			if n := p.e.expireDue(now, allowed); n > 0 {
				p.limiter.AllowN(now, n)
			}
		}
	}
}

// expireDue deletes up to limit unheld vertices whose expiry has passed.
// Nothing is deleted while the graph is readonly.
func (e *Engine) expireDue(now time.Time, limit int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.roCount > 0 || limit <= 0 {
		return 0
	}
	var due []*vertex
	for _, v := range e.vertices {
		if v.expiresAt.IsZero() || v.isHeld() || now.Before(v.expiresAt) {
			continue
		}
		due = append(due, v)
		if len(due) == limit {
			break
		}
	}
	for _, v := range due {
		e.logger.Debug("Vertex expired", "vertex", v.id)
		e.deleteLocked(v)
	}
	if len(due) > 0 {
		engineVerticesExpired.WithLabelValues(e.name).Add(float64(len(due)))
		e.broadcastLocked()
	}
	return len(due)
}
