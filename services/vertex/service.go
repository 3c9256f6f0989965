// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vertex exposes the vertex access core over HTTP.
//
// Remote clients create a session, then pass its id in the
// X-Vertex-Session header. Vertex handles and queries stay on the server
// and are referenced by opaque tokens. Ending a session, explicitly or by
// idle timeout, releases everything it holds.
package vertex

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianVertex/pkg/extensions"
	"github.com/AleutianAI/AleutianVertex/services/vertex/graph"
)

// ServiceVersion is the vertex service API version.
const ServiceVersion = "0.1.0"

// Actions checked against the AuthzProvider.
const (
	ActionSetReadonly   = "readonly.set"
	ActionClearReadonly = "readonly.clear"
	ActionFlushEvents   = "events.flush"
)

// AdminActions maps the graph-wide actions to the role they require when
// authorization is enabled.
func AdminActions() map[string]string {
	return map[string]string{
		ActionSetReadonly:   extensions.RoleAdmin,
		ActionClearReadonly: extensions.RoleAdmin,
		ActionFlushEvents:   extensions.RoleAdmin,
	}
}

// Service is the HTTP facing vertex service.
type Service struct {
	registry *graph.Registry
	sessions *SessionStore
	logger   *slog.Logger
	ext      extensions.ServiceOptions
}

// Option configures a Service.
type Option func(*Service)

// WithExtensions sets the auth, authz and audit hooks. Nil hooks fall back
// to no-op defaults.
func WithExtensions(ext extensions.ServiceOptions) Option {
	return func(s *Service) {
		s.ext = ext.Normalize()
	}
}

// NewService creates a service over registry. The registry must already
// be initialized.
func NewService(registry *graph.Registry, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "vertex_service")
	s := &Service{
		registry: registry,
		sessions: NewSessionStore(registry, logger),
		logger:   logger,
		ext:      extensions.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the graph registry.
func (s *Service) Registry() *graph.Registry {
	return s.registry
}

// Sessions returns the remote session store.
func (s *Service) Sessions() *SessionStore {
	return s.sessions
}

// Run reaps idle sessions until ctx is done, then ends every remaining
// session. A zero idle disables reaping.
func (s *Service) Run(ctx context.Context, idle time.Duration) {
	s.sessions.RunReaper(ctx, idle)
	<-ctx.Done()

	cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.sessions.CloseAll(cleanup)
	if err := s.ext.AuditLogger.Flush(cleanup); err != nil {
		s.logger.Warn("Failed to flush audit log", "error", err)
	}
}

// audit records event, logging rather than returning failures.
func (s *Service) audit(ctx context.Context, event extensions.AuditEvent) {
	if err := s.ext.AuditLogger.Log(ctx, event); err != nil {
		s.logger.Warn("Failed to write audit event", "event_type", event.EventType, "error", err)
	}
}
