// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/EarthAgent/services/agent/session"
	"github.com/AleutianAI/EarthAgent/services/agent/tools"
)

func serve(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", path, nil)
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// HealthCheck Tests
// =============================================================================

func TestHealthCheck_ReturnsOK(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	w := serve(router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}

// =============================================================================
// Readiness Tests
// =============================================================================

func TestHandleReady(t *testing.T) {
	failing := errors.New("registry is empty")
	router := gin.New()
	router.GET("/ready", HandleReady(map[string]ReadinessCheck{
		"model": func() error { return nil },
	}))
	router.GET("/not-ready", HandleReady(map[string]ReadinessCheck{
		"model": func() error { return nil },
		"tools": func() error { return failing },
	}))

	w := serve(router, "/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ready"`)

	w = serve(router, "/not-ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "registry is empty")
}

// =============================================================================
// Discovery Tests
// =============================================================================

func testRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.MustRegister(tools.NewFuncTool(tools.ToolDefinition{
		Name:        "calculate_distance",
		Description: "Great-circle distance",
		Category:    tools.CategoryGeospatial,
		Parameters: map[string]tools.ParamDef{
			"location1": {Type: tools.ParamTypeString, Required: true},
			"location2": {Type: tools.ParamTypeString, Required: true},
		},
	}, nil))
	reg.Freeze()
	return reg
}

func TestHandleBanner(t *testing.T) {
	router := gin.New()
	router.GET("/", HandleBanner(ServiceInfo{Name: "EarthAgent", Version: "1.2.3"}, testRegistry()))

	var body map[string]any
	w := serve(router, "/")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "EarthAgent", body["name"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, float64(1), body["tools_count"])
}

func TestHandleListTools(t *testing.T) {
	router := gin.New()
	router.GET("/v1/tools", HandleListTools(testRegistry()))

	var body struct {
		Tools []ToolDescriptor `json:"tools"`
		Count int              `json:"count"`
	}
	w := serve(router, "/v1/tools")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	tool := body.Tools[0]
	assert.Equal(t, "calculate_distance", tool.Name)
	assert.Equal(t, "geospatial", tool.Category)
	assert.Equal(t, "object", tool.Parameters["type"])
	assert.ElementsMatch(t, []any{"location1", "location2"}, tool.Parameters["required"])
}

type fixedCount int

func (f fixedCount) Count() int   { return int(f) }
func (f fixedCount) Pending() int { return int(f) }
func (f fixedCount) Len() int     { return int(f) }

func TestHandleDebugSnapshot(t *testing.T) {
	store := session.NewStore(session.Config{})
	sess, _ := store.GetOrCreate("")
	require.NoError(t, store.Append(sess.ID, session.Message{Role: session.RoleUser, Text: "hi"}))

	router := gin.New()
	router.GET("/v1/debug/snapshot", HandleDebugSnapshot(DebugSources{
		Sessions:    store,
		Connections: fixedCount(2),
		Pending:     fixedCount(3),
	}))

	var body map[string]any
	w := serve(router, "/v1/debug/snapshot")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["session_count"])
	assert.Equal(t, float64(2), body["connections"])
	assert.Equal(t, float64(3), body["pending_requests"])
	_, hasBuckets := body["rate_buckets"]
	assert.False(t, hasBuckets)
}
