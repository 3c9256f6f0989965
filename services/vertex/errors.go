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
	"errors"
	"net/http"

	"github.com/AleutianAI/AleutianVertex/pkg/extensions"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine/memory"
	"github.com/AleutianAI/AleutianVertex/services/vertex/graph"
	"github.com/AleutianAI/AleutianVertex/services/vertex/readonly"
)

// errorResponse maps err to an HTTP status and response body.
//
// Engine error kinds map as NotFound 404, Busy 409, Timeout 408,
// PermissionDenied 403, InvalidArgument 400, Stale 410 and Internal 500.
func errorResponse(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}
	var accessErr *engine.AccessError
	if errors.As(err, &accessErr) {
		resp.Reason = accessErr.Reason.String()
	}

	var forceErr *readonly.ForceTokenError
	if errors.As(err, &forceErr) {
		resp.Code = "FORCE_TOKEN_REQUIRED"
		resp.ForceToken = forceErr.Token
		return http.StatusForbidden, resp
	}
	var roTimeout *readonly.TimeoutError
	if errors.As(err, &roTimeout) {
		resp.Writable = roTimeout.Writable
	}

	switch {
	case errors.Is(err, extensions.ErrUnauthorized):
		resp.Code = "UNAUTHORIZED"
		return http.StatusUnauthorized, resp
	case errors.Is(err, extensions.ErrForbidden):
		resp.Code = "FORBIDDEN"
		return http.StatusForbidden, resp
	case errors.Is(err, ErrSessionNotFound):
		resp.Code = "SESSION_NOT_FOUND"
		return http.StatusNotFound, resp
	case errors.Is(err, ErrTokenNotFound):
		resp.Code = "TOKEN_NOT_FOUND"
		return http.StatusNotFound, resp
	case errors.Is(err, graph.ErrGraphNotFound):
		resp.Code = "GRAPH_NOT_FOUND"
		return http.StatusNotFound, resp
	case errors.Is(err, memory.ErrEventsSuspended):
		resp.Code = "EVENTS_SUSPENDED"
		return http.StatusConflict, resp
	case errors.Is(err, graph.ErrRegistryNotRunning):
		resp.Code = "UNAVAILABLE"
		return http.StatusServiceUnavailable, resp
	}

	switch engine.KindOf(err) {
	case engine.KindNotFound:
		resp.Code = "NOT_FOUND"
		return http.StatusNotFound, resp
	case engine.KindBusy:
		resp.Code = "BUSY"
		return http.StatusConflict, resp
	case engine.KindTimeout:
		resp.Code = "TIMEOUT"
		return http.StatusRequestTimeout, resp
	case engine.KindPermissionDenied:
		resp.Code = "PERMISSION_DENIED"
		return http.StatusForbidden, resp
	case engine.KindInvalidArgument:
		resp.Code = "INVALID_ARGUMENT"
		return http.StatusBadRequest, resp
	case engine.KindStale:
		resp.Code = "STALE_HANDLE"
		return http.StatusGone, resp
	default:
		resp.Code = "INTERNAL"
		return http.StatusInternalServerError, resp
	}
}
