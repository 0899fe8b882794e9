// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/EarthAgent/services/llm"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

type stubModel struct{}

func (stubModel) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	return "analysis", nil
}

func (stubModel) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Text: "hello"}, nil
}

func (stubModel) Model() string { return "stub" }

func newTestService(t *testing.T, mutate func(*Config)) *service {
	t.Helper()
	cfg := Config{
		Model:           stubModel{},
		CacheDisabled:   true,
		MetricsRegistry: prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc.(*service)
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Config Tests
// =============================================================================

// TestApplyConfigDefaults_AllDefaults verifies default values are applied.
func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	// Act
	result := applyConfigDefaults(Config{})

	// Assert
	assert.Equal(t, 12210, result.Port, "default port should be 12210")
	assert.Equal(t, "ollama", result.LLMBackend)
	assert.Equal(t, "development", result.Environment)
	assert.Equal(t, 30*time.Second, result.ToolTimeout)
	assert.Equal(t, 60*time.Second, result.ModelTimeout)
	assert.Equal(t, 15*time.Second, result.ShutdownTimeout)
	assert.Empty(t, result.OTelEndpoint, "tracing should be off by default")
	assert.Len(t, result.RateLimit.Policies, 2)
	assert.NotNil(t, result.Logger)
}

// TestApplyConfigDefaults_PreservesCustomValues verifies custom values are not overwritten.
func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	cfg := Config{
		Port:         8080,
		LLMBackend:   "openai",
		OTelEndpoint: "collector:4317",
		ToolTimeout:  5 * time.Second,
	}

	result := applyConfigDefaults(cfg)

	assert.Equal(t, 8080, result.Port)
	assert.Equal(t, "openai", result.LLMBackend)
	assert.Equal(t, "collector:4317", result.OTelEndpoint)
	assert.Equal(t, 5*time.Second, result.ToolTimeout)
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{LLMBackend: "mystery", CacheDisabled: true, MetricsRegistry: prometheus.NewRegistry()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery")
}

func TestNew_OpenAIRequiresKey(t *testing.T) {
	_, err := New(Config{LLMBackend: "openai", CacheDisabled: true, MetricsRegistry: prometheus.NewRegistry()})
	require.Error(t, err)
}

func TestNew_OllamaBackend(t *testing.T) {
	svc := newTestService(t, func(c *Config) {
		c.Model = nil
		c.LLMBackend = "ollama"
		c.LLMBaseURL = "http://127.0.0.1:11434"
		c.LLMModel = "llama3"
	})
	assert.Equal(t, "llama3", svc.llmClient.Model())
}

func TestNew_InMemoryCache(t *testing.T) {
	svc := newTestService(t, func(c *Config) { c.CacheDisabled = false })
	assert.NotNil(t, svc.cache)
}

func TestServiceImplementsInterface(t *testing.T) {
	var _ Service = (*service)(nil)
}

// =============================================================================
// Route Tests
// =============================================================================

func TestRouter_HealthAndReady(t *testing.T) {
	svc := newTestService(t, nil)

	health := get(t, svc.Router(), "/health")
	assert.Equal(t, http.StatusOK, health.Code)
	assert.NotEmpty(t, health.Header().Get("X-Request-ID"))

	w := get(t, svc.Router(), "/ready")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRouter_ListsBuiltinTools(t *testing.T) {
	svc := newTestService(t, nil)

	w := get(t, svc.Router(), "/v1/tools")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count int `json:"count"`
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestRouter_MetricsExposed(t *testing.T) {
	svc := newTestService(t, nil)

	w := get(t, svc.Router(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "earthagent_agent_active_connections")
}

func TestRouter_DebugSnapshotHiddenInProduction(t *testing.T) {
	dev := newTestService(t, nil)
	assert.Equal(t, http.StatusOK, get(t, dev.Router(), "/v1/debug/snapshot").Code)

	prod := newTestService(t, func(c *Config) { c.Environment = EnvironmentProduction })
	assert.Equal(t, http.StatusNotFound, get(t, prod.Router(), "/v1/debug/snapshot").Code)
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestShutdown_Idempotent(t *testing.T) {
	svc := newTestService(t, func(c *Config) { c.CacheDisabled = false })

	require.NoError(t, svc.Shutdown(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))
	assert.Nil(t, svc.cache)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	svc := newTestService(t, func(c *Config) { c.Port = port })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
