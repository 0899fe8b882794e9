// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the agent service's HTTP and WebSocket endpoints.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/EarthAgent/services/agent/tools"
	"github.com/AleutianAI/EarthAgent/services/orchestrator/handlers"
)

// Dependencies are the components the routes are served from.
type Dependencies struct {
	Info        handlers.ServiceInfo
	Registry    *tools.Registry
	Connections *handlers.ConnectionManager
	Ready       map[string]handlers.ReadinessCheck

	// Debug enables GET /v1/debug/snapshot when non-nil.
	Debug *handlers.DebugSources

	// Metrics serves GET /metrics when non-nil.
	Metrics http.Handler
}

// SetupRoutes registers every endpoint on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/", handlers.HandleBanner(deps.Info, deps.Registry))
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.HandleReady(deps.Ready))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	ws := deps.Connections.HandleWebSocket()
	router.GET("/ws", ws)

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.GET("/chat/ws", ws)
		v1.GET("/tools", handlers.HandleListTools(deps.Registry))
		if deps.Debug != nil {
			v1.GET("/debug/snapshot", handlers.HandleDebugSnapshot(*deps.Debug))
		}
	}
}
