// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vertex

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/graph"
	"github.com/AleutianAI/AleutianVertex/services/vertex/query"
)

var (
	// ErrSessionNotFound is returned for an unknown or expired session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTokenNotFound is returned for an unknown handle or query token.
	ErrTokenNotFound = errors.New("token not found")
)

// vertexRef is a handle kept server-side for a remote session.
type vertexRef struct {
	graph  string
	handle *access.Handle
}

// queryRef is a query kept server-side for a remote session.
type queryRef struct {
	graph string
	query *query.Query
}

// RemoteSession is the server-side state of one HTTP client.
//
// It wraps the access.Session that the engine sees as owner, plus the
// graph handles, vertex handles and queries the client holds, so that
// dropping the session releases everything. Readonly levels are counted
// on the graph handles.
//
// Requests in flight hold the session open: an ended session is released
// only after its last request finishes, so nothing acquired by a late
// request outlives the session.
type RemoteSession struct {
	id   string
	user string
	sess *access.Session

	mu       sync.Mutex
	lastSeen time.Time
	inflight int
	ended    bool
	handles  map[string]vertexRef
	queries  map[string]queryRef
	graphs   map[string]*graph.Handle
}

// ID returns the session id.
func (r *RemoteSession) ID() string {
	return r.id
}

// User returns the id of the user that created the session.
func (r *RemoteSession) User() string {
	return r.user
}

// Session returns the access session.
func (r *RemoteSession) Session() *access.Session {
	return r.sess
}

// openGraph returns the session's handle on g, opening it on first use.
// The first session to use a graph owns it; later sessions borrow it.
func (r *RemoteSession) openGraph(g *graph.Graph) (*graph.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gh, ok := r.graphs[g.Name()]; ok {
		return gh, nil
	}
	gh, err := g.Open(r.sess)
	if err != nil {
		return nil, err
	}
	r.graphs[g.Name()] = gh
	return gh, nil
}

func (r *RemoteSession) putHandle(graphName string, h *access.Handle) string {
	tok := uuid.NewString()
	r.mu.Lock()
	r.handles[tok] = vertexRef{graph: graphName, handle: h}
	r.mu.Unlock()
	return tok
}

func (r *RemoteSession) handle(graphName, tok string) (*access.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.handles[tok]
	if !ok || ref.graph != graphName {
		return nil, ErrTokenNotFound
	}
	return ref.handle, nil
}

func (r *RemoteSession) dropHandle(tok string) {
	r.mu.Lock()
	delete(r.handles, tok)
	r.mu.Unlock()
}

func (r *RemoteSession) putQuery(graphName string, q *query.Query) string {
	tok := uuid.NewString()
	r.mu.Lock()
	r.queries[tok] = queryRef{graph: graphName, query: q}
	r.mu.Unlock()
	return tok
}

func (r *RemoteSession) query(graphName, tok string) (*query.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.queries[tok]
	if !ok || ref.graph != graphName {
		return nil, ErrTokenNotFound
	}
	return ref.query, nil
}

// SessionStore tracks remote sessions.
//
// # Thread Safety
//
// Safe for concurrent use.
type SessionStore struct {
	registry *graph.Registry
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*RemoteSession
}

// NewSessionStore creates an empty store whose sessions use registry.
func NewSessionStore(registry *graph.Registry, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		registry: registry,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*RemoteSession),
	}
}

// Create starts a new session owned by user.
func (s *SessionStore) Create(user string) *RemoteSession {
	id := uuid.NewString()
	rs := &RemoteSession{
		id:       id,
		user:     user,
		sess:     access.NewSession(),
		lastSeen: s.now(),
		handles:  make(map[string]vertexRef),
		queries:  make(map[string]queryRef),
		graphs:   make(map[string]*graph.Handle),
	}
	s.mu.Lock()
	s.sessions[id] = rs
	s.mu.Unlock()
	return rs
}

// Get returns a live session without marking it used.
func (s *SessionStore) Get(id string) (*RemoteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rs, nil
}

// Begin returns a live session for a request and marks it used. Every
// successful Begin must be paired with Done.
//
// The in-flight count is raised under the store lock, so Reap never ends
// a session that a request is using.
func (s *SessionStore) Begin(id string) (*RemoteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	rs.mu.Lock()
	rs.inflight++
	rs.lastSeen = s.now()
	rs.mu.Unlock()
	return rs, nil
}

// Done ends a request started by Begin. If the session was ended while
// the request ran, the last request to finish releases it.
func (s *SessionStore) Done(ctx context.Context, rs *RemoteSession) {
	rs.mu.Lock()
	rs.inflight--
	rs.lastSeen = s.now()
	last := rs.ended && rs.inflight == 0
	rs.mu.Unlock()
	if last {
		s.release(ctx, rs)
	}
}

// end marks rs ended and reports whether it can be released now.
func (r *RemoteSession) end() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = true
	return r.inflight == 0
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Delete ends a session, releasing every vertex it holds and every
// readonly level it entered.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	rs, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	if rs.end() {
		s.release(ctx, rs)
	}
	return nil
}

func (s *SessionStore) release(ctx context.Context, rs *RemoteSession) {
	rs.mu.Lock()
	graphs := rs.graphs
	rs.graphs = make(map[string]*graph.Handle)
	rs.handles = make(map[string]vertexRef)
	rs.queries = make(map[string]queryRef)
	rs.mu.Unlock()

	for name, gh := range graphs {
		levels := gh.ReadonlyRecursion()
		if gh.IsBorrowed() {
			for i := 0; i < levels; i++ {
				gh.ClearReadonly(ctx)
			}
		} else if _, err := gh.Close(ctx); err != nil {
			s.logger.Warn("Failed to close graph of ended session",
				"session", rs.id, "graph", name, "error", err)
		}
		if n := gh.Graph().CloseAll(rs.sess); n > 0 {
			s.logger.Info("Released vertices of ended session",
				"session", rs.id, "graph", name, "count", n, "readonly_cleared", levels)
		}
	}
}

// Reap ends every session idle for longer than idle and returns how many
// were ended. Sessions with requests in flight are never idle.
func (s *SessionStore) Reap(ctx context.Context, idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	var stale []*RemoteSession

	s.mu.Lock()
	for id, rs := range s.sessions {
		rs.mu.Lock()
		expired := rs.inflight == 0 && rs.lastSeen.Before(cutoff)
		if expired {
			rs.ended = true
		}
		rs.mu.Unlock()
		if expired {
			stale = append(stale, rs)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, rs := range stale {
		s.logger.Info("Session idle timeout", "session", rs.id)
		s.release(ctx, rs)
	}
	return len(stale)
}

// RunReaper calls Reap every idle/2 until ctx is done. A non-positive idle
// returns at once.
func (s *SessionStore) RunReaper(ctx context.Context, idle time.Duration) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap(ctx, idle)
		}
	}
}

// CloseAll ends every session.
func (s *SessionStore) CloseAll(ctx context.Context) {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*RemoteSession)
	s.mu.Unlock()
	for _, rs := range all {
		if rs.end() {
			s.release(ctx, rs)
		}
	}
}
