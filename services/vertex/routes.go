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
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

var registerValidators sync.Once

// validateMode accepts any mode string engine.ParseMode understands.
func validateMode(fl validator.FieldLevel) bool {
	_, err := engine.ParseMode(fl.Field().String())
	return err == nil
}

// RegisterRoutes registers all /v1/vertex/* endpoints with the router.
//
// Description:
//
//	Registers the vertex endpoints on the given Gin router group. Every
//	endpoint except health passes the configured AuthProvider, and every
//	endpoint under /graphs/:graph requires the X-Vertex-Session header of
//	a session owned by the caller.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Session Endpoints:
//
//	POST   /v1/vertex/sessions - Create a session
//	DELETE /v1/vertex/sessions/:session - End a session
//
// Vertex Endpoints:
//
//	POST /v1/vertex/graphs/:graph/vertices/open - Open one vertex
//	POST /v1/vertex/graphs/:graph/vertices/open_batch - Acquire vertices atomically
//	POST /v1/vertex/graphs/:graph/vertices/close - Close one handle
//	POST /v1/vertex/graphs/:graph/vertices/close_batch - Close several handles
//	POST /v1/vertex/graphs/:graph/vertices/close_all - Close everything held
//	POST /v1/vertex/graphs/:graph/vertices/escalate - Readonly to writable
//	POST /v1/vertex/graphs/:graph/vertices/relax - Writable to readonly
//
// Graph Endpoints:
//
//	GET    /v1/vertex/graphs/:graph/readonly - Readonly state
//	POST   /v1/vertex/graphs/:graph/readonly - Enter readonly
//	DELETE /v1/vertex/graphs/:graph/readonly - Leave readonly
//	POST   /v1/vertex/graphs/:graph/locks - Acquire a mutex vertex
//	POST   /v1/vertex/graphs/:graph/arcs - Connect
//	POST   /v1/vertex/graphs/:graph/arcs/disconnect - Disconnect
//	POST   /v1/vertex/graphs/:graph/queries - Create a query
//	POST   /v1/vertex/graphs/:graph/queries/:query/execute - Execute a query
//	POST   /v1/vertex/graphs/:graph/events/flush - Run due expirations
//
// Health Endpoints:
//
//	GET /v1/vertex/health - Health check
//	GET /v1/vertex/graphs - List open graphs
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	registerValidators.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("vertexmode", validateMode)
		}
	})

	vx := rg.Group("/vertex")
	vx.GET("/health", handlers.HandleHealth)

	api := vx.Group("", handlers.authenticate)
	{
		api.GET("/graphs", handlers.HandleListGraphs)
		api.POST("/sessions", handlers.HandleCreateSession)
		api.DELETE("/sessions/:session", handlers.HandleDeleteSession)

		g := api.Group("/graphs/:graph", handlers.requireSession)
		{
			g.POST("/vertices/open", handlers.HandleOpen)
			g.POST("/vertices/open_batch", handlers.HandleOpenBatch)
			g.POST("/vertices/close", handlers.HandleClose)
			g.POST("/vertices/close_batch", handlers.HandleCloseBatch)
			g.POST("/vertices/close_all", handlers.HandleCloseAll)
			g.POST("/vertices/escalate", handlers.HandleEscalate)
			g.POST("/vertices/relax", handlers.HandleRelax)

			g.GET("/readonly", handlers.HandleGetReadonly)
			g.POST("/readonly", handlers.HandleSetReadonly)
			g.DELETE("/readonly", handlers.HandleClearReadonly)

			g.POST("/locks", handlers.HandleLock)
			g.POST("/arcs", handlers.HandleConnect)
			g.POST("/arcs/disconnect", handlers.HandleDisconnect)

			g.POST("/queries", handlers.HandleCreateQuery)
			g.POST("/queries/:query/execute", handlers.HandleExecuteQuery)

			g.POST("/events/flush", handlers.HandleFlushEvents)
		}
	}
}

// NewRouter builds the complete HTTP router: recovery, tracing, the
// /v1/vertex API and, when metrics is non-nil, /metrics.
func NewRouter(svc *Service, serviceName string, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	RegisterRoutes(router.Group("/v1"), NewHandlers(svc))
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}
