// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/EarthAgent/services/agent/session"
	"github.com/AleutianAI/EarthAgent/services/agent/tools"
	"github.com/AleutianAI/EarthAgent/services/orchestrator/handlers"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

func testDeps(debug bool) Dependencies {
	reg := tools.NewRegistry()
	reg.Freeze()
	store := session.NewStore(session.Config{})
	deps := Dependencies{
		Info:        handlers.ServiceInfo{Name: "EarthAgent", Version: "test"},
		Registry:    reg,
		Connections: handlers.NewConnectionManager(store, nil, handlers.ConnectionConfig{}, nil, nil),
		Ready:       map[string]handlers.ReadinessCheck{},
		Metrics:     promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	}
	if debug {
		deps.Debug = &handlers.DebugSources{Sessions: store}
	}
	return deps
}

func hasRoute(router *gin.Engine, method, path string) bool {
	for _, r := range router.Routes() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_CoreRoutes(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps(true))

	for _, path := range []string{"/", "/health", "/ready", "/metrics", "/ws", "/v1/chat/ws", "/v1/tools", "/v1/debug/snapshot"} {
		if !hasRoute(router, "GET", path) {
			t.Errorf("Expected route GET %s not found", path)
		}
	}
}

func TestSetupRoutes_DebugRouteOnlyWhenEnabled(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps(false))
	assert.False(t, hasRoute(router, "GET", "/v1/debug/snapshot"))
}

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps(false))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSetupRoutes_ToolsEndpointEmptyRegistry(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, testDeps(false))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/tools", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tools":[],"count":0}`, w.Body.String())
}
