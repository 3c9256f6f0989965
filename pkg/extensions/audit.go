// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AuditEvent is one audited action.
//
// # Event Types
//
//   - "session.create", "session.delete"
//   - "graph.readonly.set", "graph.readonly.clear"
//   - "graph.events.flush"
//   - "authz.denied"
type AuditEvent struct {
	// EventType categorizes the event, "category.action".
	EventType string

	// Timestamp is when the event occurred, UTC. Loggers fill a zero value.
	Timestamp time.Time

	// UserID identifies who performed the action.
	UserID string

	// SessionID is the remote session involved, if any.
	SessionID string

	// Graph is the graph involved, if any.
	Graph string

	// Outcome is "success", "failure" or "denied".
	Outcome string

	// Metadata holds event-specific details such as "force" or "error".
	Metadata map[string]any
}

// AuditLogger records audit events.
//
// Implementations must be safe for concurrent use. Log should return
// quickly since it runs on the request path.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists buffered events. Called on shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// SlogAuditLogger writes each event as an Info entry with audit=true.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger writes audit events to logger, or slog.Default when
// nil.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log writes event.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		"audit", true,
		"event_type", event.EventType,
		"timestamp", event.Timestamp,
		"user_id", event.UserID,
		"outcome", event.Outcome,
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session", event.SessionID)
	}
	if event.Graph != "" {
		attrs = append(attrs, "graph", event.Graph)
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, "metadata", event.Metadata)
	}
	l.logger.InfoContext(ctx, "Audit event", attrs...)
	return nil
}

// Flush is a no-op; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// MemoryAuditLogger keeps the most recent events in memory.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	limit  int
	events []AuditEvent
}

// NewMemoryAuditLogger keeps at most limit events; limit <= 0 keeps 1024.
func NewMemoryAuditLogger(limit int) *MemoryAuditLogger {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryAuditLogger{limit: limit}
}

// Log appends event, dropping the oldest past the limit.
func (l *MemoryAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if over := len(l.events) - l.limit; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
	return nil
}

// Flush is a no-op.
func (l *MemoryAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// Events returns a copy of the retained events, oldest first. A non-empty
// eventType keeps only events of that type.
func (l *MemoryAuditLogger) Events(eventType string) []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEvent, 0, len(l.events))
	for _, e := range l.events {
		if eventType == "" || e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
