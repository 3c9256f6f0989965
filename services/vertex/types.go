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
	"time"

	"github.com/AleutianAI/AleutianVertex/services/vertex/readonly"
)

// =============================================================================
// Requests
// =============================================================================

// OpenRequest is the body of POST .../vertices/open.
type OpenRequest struct {
	// ID is the vertex identifier.
	ID string `json:"id" binding:"required,max=1024"`

	// Mode is "r", "w", "a" or a long mode name. Default: "r".
	Mode string `json:"mode" binding:"omitempty,vertexmode"`

	// TimeoutMs is the wait budget. Zero fails fast, negative waits until
	// the request ends.
	TimeoutMs int64 `json:"timeout_ms"`
}

// OpenBatchRequest is the body of POST .../vertices/open_batch.
type OpenBatchRequest struct {
	IDs       []string `json:"ids" binding:"required,min=1,dive,required,max=1024"`
	Mode      string   `json:"mode" binding:"omitempty,vertexmode"`
	TimeoutMs int64    `json:"timeout_ms" binding:"gte=0"`
}

// HandleRequest references one server-side vertex handle.
type HandleRequest struct {
	Handle    string `json:"handle" binding:"required,uuid"`
	TimeoutMs int64  `json:"timeout_ms" binding:"gte=0"`
}

// HandlesRequest references several server-side vertex handles.
type HandlesRequest struct {
	Handles []string `json:"handles" binding:"required,unique,dive,uuid"`
}

// ReadonlyRequest is the body of POST .../readonly.
type ReadonlyRequest struct {
	TimeoutMs int64  `json:"timeout_ms"`
	Force     bool   `json:"force"`
	Token     string `json:"token"`
}

// LockRequest is the body of POST .../locks.
type LockRequest struct {
	// ID is the lock name. Empty creates an anonymous lock.
	ID string `json:"id" binding:"max=1024"`

	// LingerMs keeps the lock vertex after release. Negative keeps it
	// forever.
	LingerMs  int64 `json:"linger_ms"`
	TimeoutMs int64 `json:"timeout_ms"`
}

// ArcRequest is the body of the connect and disconnect endpoints.
type ArcRequest struct {
	From      string  `json:"from" binding:"required"`
	To        string  `json:"to"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	TimeoutMs int64   `json:"timeout_ms"`
}

// QueryRequest is the body of POST .../queries.
type QueryRequest struct {
	Anchor   string   `json:"anchor" binding:"required"`
	ArcName  string   `json:"arc_name"`
	MinValue *float64 `json:"min_value"`
	MaxValue *float64 `json:"max_value"`
}

// ExecuteRequest is the body of POST .../queries/:query/execute. Nil
// fields keep the query's current settings.
type ExecuteRequest struct {
	Hits      *int   `json:"hits" binding:"omitempty,gte=-1"`
	Offset    *int   `json:"offset" binding:"omitempty,gte=0"`
	TimeoutMs *int64 `json:"timeout_ms"`
	LimExecMs int64  `json:"limexec_ms" binding:"gte=0"`
	Cache     *bool  `json:"cache"`
}

// FlushRequest is the body of POST .../events/flush.
type FlushRequest struct {
	BudgetMs int64 `json:"budget_ms" binding:"gte=0"`
}

// =============================================================================
// Responses
// =============================================================================

// SessionResponse is returned by POST /sessions.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

// HandleResponse describes one server-side vertex handle.
type HandleResponse struct {
	Handle string `json:"handle"`
	ID     string `json:"id"`
	Mode   string `json:"mode"`
}

// HandlesResponse lists handles from a batch open.
type HandlesResponse struct {
	Handles []HandleResponse `json:"handles"`
}

// CountResponse reports how many items an operation affected.
type CountResponse struct {
	Count int `json:"count"`
}

// BoolResponse reports a boolean outcome.
type BoolResponse struct {
	Result bool `json:"result"`
}

// ReadonlyResponse reports readonly state.
type ReadonlyResponse struct {
	Graph string `json:"graph"`
	readonly.State
}

// QueryResponse identifies a server-side query.
type QueryResponse struct {
	Query string `json:"query"`
}

// ArcResponse is one arc of a query result.
type ArcResponse struct {
	To    string  `json:"to"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// ResultResponse is a query result.
type ResultResponse struct {
	Anchor string        `json:"anchor"`
	Arcs   []ArcResponse `json:"arcs"`
	Total  int           `json:"total"`
	Hits   int           `json:"hits"`
	Offset int           `json:"offset"`
	OpID   int64         `json:"opid"`
	TookMs float64       `json:"took_ms"`
}

// GraphsResponse lists open graphs.
type GraphsResponse struct {
	Graphs []string `json:"graphs"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Graphs   int    `json:"graphs"`
	Sessions int    `json:"sessions"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine readable code.
	Code string `json:"code"`

	// Reason is the engine reason, when there is one.
	Reason string `json:"reason,omitempty"`

	// ForceToken is set when a forced readonly transition needs
	// confirmation.
	ForceToken string `json:"force_token,omitempty"`

	// Writable lists vertices that kept a readonly transition from
	// completing.
	Writable []string `json:"writable,omitempty"`
}

// millis converts a wire timeout. Negative values become -1, meaning
// wait until the request context ends.
func millis(ms int64) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}
