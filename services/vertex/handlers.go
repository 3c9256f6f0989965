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
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianVertex/pkg/extensions"
	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/graph"
	"github.com/AleutianAI/AleutianVertex/services/vertex/query"
)

const (
	// SessionHeader carries the remote session id.
	SessionHeader = "X-Vertex-Session"

	sessionKey = "vertex.session"
	authKey    = "vertex.auth"
)

// Handlers contains the HTTP handlers for the vertex service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func (h *Handlers) logger(c *gin.Context, handler string) *slog.Logger {
	return h.svc.logger.With("request_id", getOrCreateRequestID(c), "handler", handler)
}

func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err)
	} else {
		logger.Debug("Request rejected", "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func (h *Handlers) bind(c *gin.Context, logger *slog.Logger, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return false
	}
	return true
}

// authenticate validates the Authorization bearer token.
func (h *Handlers) authenticate(c *gin.Context) {
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	info, err := h.svc.ext.AuthProvider.Validate(c.Request.Context(), token)
	if err != nil {
		h.fail(c, h.logger(c, "authenticate"), err)
		return
	}
	c.Set(authKey, info)
	c.Next()
}

func authInfo(c *gin.Context) *extensions.AuthInfo {
	if v, ok := c.Get(authKey); ok {
		return v.(*extensions.AuthInfo)
	}
	return &extensions.AuthInfo{UserID: "anonymous"}
}

// owned fails the request unless rs was created by the caller.
func (h *Handlers) owned(c *gin.Context, logger *slog.Logger, rs *RemoteSession) bool {
	if user := authInfo(c).UserID; rs.user != user {
		h.fail(c, logger, fmt.Errorf("session %s belongs to another user: %w", rs.id, extensions.ErrForbidden))
		return false
	}
	return true
}

// authorize checks action on graphName and audits denials.
func (h *Handlers) authorize(c *gin.Context, logger *slog.Logger, action, graphName string) bool {
	user := authInfo(c)
	err := h.svc.ext.AuthzProvider.Authorize(c.Request.Context(), extensions.AuthzRequest{
		User:   user,
		Action: action,
		Graph:  graphName,
	})
	if err == nil {
		return true
	}
	h.svc.audit(c.Request.Context(), extensions.AuditEvent{
		EventType: "authz.denied",
		UserID:    user.UserID,
		Graph:     graphName,
		Outcome:   "denied",
		Metadata:  map[string]any{"action": action},
	})
	h.fail(c, logger, err)
	return false
}

// auditGraph records a graph-wide action by the caller.
func (h *Handlers) auditGraph(c *gin.Context, eventType string, rs *RemoteSession, graphName string, err error, meta map[string]any) {
	event := extensions.AuditEvent{
		EventType: eventType,
		UserID:    authInfo(c).UserID,
		SessionID: rs.id,
		Graph:     graphName,
		Outcome:   "success",
		Metadata:  meta,
	}
	if err != nil {
		event.Outcome = "failure"
		if event.Metadata == nil {
			event.Metadata = map[string]any{}
		}
		event.Metadata["error"] = err.Error()
	}
	h.svc.audit(c.Request.Context(), event)
}

// requireSession resolves the X-Vertex-Session header.
func (h *Handlers) requireSession(c *gin.Context) {
	id := c.GetHeader(SessionHeader)
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error: "missing " + SessionHeader + " header",
			Code:  "MISSING_SESSION",
		})
		return
	}
	logger := h.logger(c, "requireSession")
	rs, err := h.svc.sessions.Begin(id)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	defer h.svc.sessions.Done(context.WithoutCancel(c.Request.Context()), rs)
	if !h.owned(c, logger, rs) {
		return
	}
	c.Set(sessionKey, rs)
	c.Next()
}

func remote(c *gin.Context) *RemoteSession {
	return c.MustGet(sessionKey).(*RemoteSession)
}

// target returns the graph named in the path and the caller's session,
// opening the session's handle on the graph on first use.
func (h *Handlers) target(c *gin.Context) (*graph.Graph, *RemoteSession, error) {
	g, err := h.svc.registry.Get(c.Param("graph"))
	if err != nil {
		return nil, nil, err
	}
	rs := remote(c)
	if _, err := rs.openGraph(g); err != nil {
		return nil, nil, err
	}
	return g, rs, nil
}

func handleResponse(tok string, hd *access.Handle) HandleResponse {
	return HandleResponse{Handle: tok, ID: hd.ID(), Mode: hd.Mode().String()}
}

// =============================================================================
// Service
// =============================================================================

// HandleHealth handles GET /v1/vertex/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "healthy",
		Version:  ServiceVersion,
		Graphs:   len(h.svc.registry.Names()),
		Sessions: h.svc.sessions.Len(),
	})
}

// HandleListGraphs handles GET /v1/vertex/graphs.
func (h *Handlers) HandleListGraphs(c *gin.Context) {
	c.JSON(http.StatusOK, GraphsResponse{Graphs: h.svc.registry.Names()})
}

// HandleCreateSession handles POST /v1/vertex/sessions.
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	user := authInfo(c).UserID
	rs := h.svc.sessions.Create(user)
	h.logger(c, "HandleCreateSession").Debug("Session created", "session", rs.id, "user", user)
	h.svc.audit(c.Request.Context(), extensions.AuditEvent{
		EventType: "session.create",
		UserID:    user,
		SessionID: rs.id,
		Outcome:   "success",
	})
	c.JSON(http.StatusCreated, SessionResponse{SessionID: rs.id})
}

// HandleDeleteSession handles DELETE /v1/vertex/sessions/:session.
//
// Releases every vertex and readonly level held by the session.
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	logger := h.logger(c, "HandleDeleteSession")
	rs, err := h.svc.sessions.Get(c.Param("session"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if !h.owned(c, logger, rs) {
		return
	}
	if err := h.svc.sessions.Delete(c.Request.Context(), rs.id); err != nil {
		h.fail(c, logger, err)
		return
	}
	h.svc.audit(c.Request.Context(), extensions.AuditEvent{
		EventType: "session.delete",
		UserID:    rs.user,
		SessionID: rs.id,
		Outcome:   "success",
	})
	c.Status(http.StatusNoContent)
}

// =============================================================================
// Vertex access
// =============================================================================

// HandleOpen handles POST /v1/vertex/graphs/:graph/vertices/open.
//
// Response:
//
//	200 OK: HandleResponse
//	403 Forbidden: graph readonly
//	404 Not Found: vertex missing for "r" or "a"
//	408 Request Timeout / 409 Conflict: vertex held elsewhere
func (h *Handlers) HandleOpen(c *gin.Context) {
	logger := h.logger(c, "HandleOpen")
	var req OpenRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if req.Mode == "" {
		req.Mode = "r"
	}
	hd, err := g.OpenVertex(c.Request.Context(), rs.sess, req.ID, req.Mode, millis(req.TimeoutMs))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, handleResponse(rs.putHandle(g.Name(), hd), hd))
}

// HandleOpenBatch handles POST /v1/vertex/graphs/:graph/vertices/open_batch.
func (h *Handlers) HandleOpenBatch(c *gin.Context) {
	logger := h.logger(c, "HandleOpenBatch")
	var req OpenBatchRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if req.Mode == "" {
		req.Mode = "r"
	}
	hs, err := g.OpenVertices(c.Request.Context(), rs.sess, req.IDs, req.Mode, millis(req.TimeoutMs))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	resp := HandlesResponse{Handles: make([]HandleResponse, len(hs))}
	for i, hd := range hs {
		resp.Handles[i] = handleResponse(rs.putHandle(g.Name(), hd), hd)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleClose handles POST /v1/vertex/graphs/:graph/vertices/close.
func (h *Handlers) HandleClose(c *gin.Context) {
	logger := h.logger(c, "HandleClose")
	var req HandleRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	hd, err := rs.handle(g.Name(), req.Handle)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	closed, err := g.CloseVertex(rs.sess, hd)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	rs.dropHandle(req.Handle)
	c.JSON(http.StatusOK, BoolResponse{Result: closed})
}

// HandleCloseBatch handles POST /v1/vertex/graphs/:graph/vertices/close_batch.
func (h *Handlers) HandleCloseBatch(c *gin.Context) {
	logger := h.logger(c, "HandleCloseBatch")
	var req HandlesRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	hs := make([]*access.Handle, 0, len(req.Handles))
	for _, tok := range req.Handles {
		hd, err := rs.handle(g.Name(), tok)
		if err != nil {
			h.fail(c, logger, err)
			return
		}
		hs = append(hs, hd)
	}
	n, err := g.CloseVertices(rs.sess, hs)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	for _, tok := range req.Handles {
		rs.dropHandle(tok)
	}
	c.JSON(http.StatusOK, CountResponse{Count: n})
}

// HandleCloseAll handles POST /v1/vertex/graphs/:graph/vertices/close_all.
//
// Every handle the session holds on the graph becomes stale. Their tokens
// stay valid so later use reports STALE_HANDLE rather than an unknown
// token.
func (h *Handlers) HandleCloseAll(c *gin.Context) {
	logger := h.logger(c, "HandleCloseAll")
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	n := g.CloseAll(rs.sess)
	c.JSON(http.StatusOK, CountResponse{Count: n})
}

// HandleEscalate handles POST /v1/vertex/graphs/:graph/vertices/escalate.
func (h *Handlers) HandleEscalate(c *gin.Context) {
	logger := h.logger(c, "HandleEscalate")
	var req HandleRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	hd, err := rs.handle(g.Name(), req.Handle)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if err := g.EscalateVertex(c.Request.Context(), rs.sess, hd, millis(req.TimeoutMs)); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, handleResponse(req.Handle, hd))
}

// HandleRelax handles POST /v1/vertex/graphs/:graph/vertices/relax.
func (h *Handlers) HandleRelax(c *gin.Context) {
	logger := h.logger(c, "HandleRelax")
	var req HandleRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	hd, err := rs.handle(g.Name(), req.Handle)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if _, err := g.RelaxVertex(rs.sess, hd); err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, handleResponse(req.Handle, hd))
}

// =============================================================================
// Readonly
// =============================================================================

// HandleGetReadonly handles GET /v1/vertex/graphs/:graph/readonly.
func (h *Handlers) HandleGetReadonly(c *gin.Context) {
	logger := h.logger(c, "HandleGetReadonly")
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ReadonlyResponse{Graph: g.Name(), State: g.ReadonlyState(rs.sess)})
}

// HandleSetReadonly handles POST /v1/vertex/graphs/:graph/readonly.
//
// Response:
//
//	200 OK: ReadonlyResponse
//	403 Forbidden: FORCE_TOKEN_REQUIRED with force_token to confirm
//	408 Request Timeout: writers did not drain, writable lists some
func (h *Handlers) HandleSetReadonly(c *gin.Context) {
	logger := h.logger(c, "HandleSetReadonly")
	var req ReadonlyRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if !h.authorize(c, logger, ActionSetReadonly, g.Name()) {
		return
	}
	gh, err := rs.openGraph(g)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	err = gh.SetReadonly(c.Request.Context(), millis(req.TimeoutMs), req.Force, req.Token)
	h.auditGraph(c, "graph.readonly.set", rs, g.Name(), err, map[string]any{"force": req.Force})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	logger.Info("Graph readonly entered", "graph", g.Name(), "force", req.Force)
	c.JSON(http.StatusOK, ReadonlyResponse{Graph: g.Name(), State: g.ReadonlyState(rs.sess)})
}

// HandleClearReadonly handles DELETE /v1/vertex/graphs/:graph/readonly.
//
// Only levels entered by the calling session can be cleared.
func (h *Handlers) HandleClearReadonly(c *gin.Context) {
	logger := h.logger(c, "HandleClearReadonly")
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if !h.authorize(c, logger, ActionClearReadonly, g.Name()) {
		return
	}
	gh, err := rs.openGraph(g)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	cleared := gh.ClearReadonly(c.Request.Context())
	if cleared {
		h.auditGraph(c, "graph.readonly.clear", rs, g.Name(), nil, nil)
	}
	c.JSON(http.StatusOK, BoolResponse{Result: cleared})
}

// =============================================================================
// Locks and arcs
// =============================================================================

// HandleLock handles POST /v1/vertex/graphs/:graph/locks.
//
// The returned handle is released through the close endpoint.
func (h *Handlers) HandleLock(c *gin.Context) {
	logger := h.logger(c, "HandleLock")
	var req LockRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	hd, err := g.Lock(c.Request.Context(), rs.sess, req.ID, millis(req.LingerMs), millis(req.TimeoutMs))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, handleResponse(rs.putHandle(g.Name(), hd), hd))
}

// HandleConnect handles POST /v1/vertex/graphs/:graph/arcs.
func (h *Handlers) HandleConnect(c *gin.Context) {
	logger := h.logger(c, "HandleConnect")
	var req ArcRequest
	if !h.bind(c, logger, &req) {
		return
	}
	if req.To == "" || req.Name == "" {
		h.fail(c, logger, engine.NewAccessError("connect", req.From, engine.ReasonInvalid,
			"to and name are required"))
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	rel := engine.Relation{From: req.From, To: req.To, Name: req.Name, Value: req.Value}
	n, err := g.Connect(c.Request.Context(), rs.sess, rel, millis(req.TimeoutMs))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, CountResponse{Count: n})
}

// HandleDisconnect handles POST /v1/vertex/graphs/:graph/arcs/disconnect.
//
// Empty to or name match any arc.
func (h *Handlers) HandleDisconnect(c *gin.Context) {
	logger := h.logger(c, "HandleDisconnect")
	var req ArcRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	rel := engine.Relation{From: req.From, To: req.To, Name: req.Name}
	n, err := g.Disconnect(c.Request.Context(), rs.sess, rel, millis(req.TimeoutMs))
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, CountResponse{Count: n})
}

// =============================================================================
// Queries and events
// =============================================================================

// HandleCreateQuery handles POST /v1/vertex/graphs/:graph/queries.
func (h *Handlers) HandleCreateQuery(c *gin.Context) {
	logger := h.logger(c, "HandleCreateQuery")
	var req QueryRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	q, err := g.NewQuery(rs.sess, req.Anchor)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	q.SetArcCondition(req.ArcName)
	if req.MinValue != nil || req.MaxValue != nil {
		low, high := -math.MaxFloat64, math.MaxFloat64
		if req.MinValue != nil {
			low = *req.MinValue
		}
		if req.MaxValue != nil {
			high = *req.MaxValue
		}
		if err := q.SetArcValue(low, high); err != nil {
			h.fail(c, logger, err)
			return
		}
	}
	c.JSON(http.StatusCreated, QueryResponse{Query: rs.putQuery(g.Name(), q)})
}

// HandleExecuteQuery handles POST /v1/vertex/graphs/:graph/queries/:query/execute.
//
// Repeated executions with unchanged parameters and no graph mutation in
// between return the cached result.
func (h *Handlers) HandleExecuteQuery(c *gin.Context) {
	logger := h.logger(c, "HandleExecuteQuery")
	var req ExecuteRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	q, err := rs.query(g.Name(), c.Param("query"))
	if err != nil {
		h.fail(c, logger, err)
		return
	}

	var opts []query.ExecOption
	if req.Hits != nil {
		opts = append(opts, query.WithHits(*req.Hits))
	}
	if req.Offset != nil {
		opts = append(opts, query.WithOffset(*req.Offset))
	}
	if req.TimeoutMs != nil {
		opts = append(opts, query.WithTimeout(millis(*req.TimeoutMs)))
	}
	if req.LimExecMs > 0 {
		opts = append(opts, query.WithLimExec(millis(req.LimExecMs)))
	}
	if req.Cache != nil {
		opts = append(opts, query.WithCache(*req.Cache))
	}

	res, err := q.Execute(c.Request.Context(), rs.sess, opts...)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	resp := ResultResponse{
		Anchor: res.Anchor,
		Arcs:   make([]ArcResponse, len(res.Arcs)),
		Total:  res.Total,
		Hits:   res.Hits,
		Offset: res.Offset,
		OpID:   res.OpID,
		TookMs: float64(res.Took) / float64(time.Millisecond),
	}
	for i, a := range res.Arcs {
		resp.Arcs[i] = ArcResponse{To: a.To, Name: a.Name, Value: a.Value}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleFlushEvents handles POST /v1/vertex/graphs/:graph/events/flush.
func (h *Handlers) HandleFlushEvents(c *gin.Context) {
	logger := h.logger(c, "HandleFlushEvents")
	var req FlushRequest
	if !h.bind(c, logger, &req) {
		return
	}
	g, rs, err := h.target(c)
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	if !h.authorize(c, logger, ActionFlushEvents, g.Name()) {
		return
	}
	n, err := g.FlushEvents(c.Request.Context(), millis(req.BudgetMs))
	h.auditGraph(c, "graph.events.flush", rs, g.Name(), err, map[string]any{"expired": n})
	if err != nil {
		h.fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, CountResponse{Count: n})
}
