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
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/EarthAgent/services/agent/session"
	"github.com/AleutianAI/EarthAgent/services/agent/tools"
)

// ServiceInfo identifies the running service in the banner.
type ServiceInfo struct {
	Name    string
	Version string
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadinessCheck returns nil when a dependency is ready.
type ReadinessCheck func() error

// HandleReady runs every check and answers 200 when all pass, 503 otherwise.
func HandleReady(checks map[string]ReadinessCheck) gin.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		results := make(map[string]string, len(checks))
		ready := true
		for _, name := range names {
			if err := checks[name](); err != nil {
				results[name] = err.Error()
				ready = false
				continue
			}
			results[name] = "ok"
		}
		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": results})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": results})
	}
}

// HandleBanner describes the service.
func HandleBanner(info ServiceInfo, registry *tools.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":        info.Name,
			"version":     info.Version,
			"status":      "running",
			"tools_count": registry.Count(),
			"websocket":   "/ws",
		})
	}
}

// ToolDescriptor is the discovery view of a tool.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// DescribeTools lists the registry as descriptors, sorted by name.
func DescribeTools(registry *tools.Registry) []ToolDescriptor {
	defs := registry.List()
	out := make([]ToolDescriptor, 0, len(defs))
	for _, def := range defs {
		out = append(out, ToolDescriptor{
			Name:        def.Name,
			Description: def.Description,
			Category:    def.Category.String(),
			Parameters:  def.JSONSchema(),
		})
	}
	return out
}

// HandleListTools serves the tool catalog.
func HandleListTools(registry *tools.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		descriptors := DescribeTools(registry)
		c.JSON(http.StatusOK, gin.H{"tools": descriptors, "count": len(descriptors)})
	}
}

// DebugSources feeds the diagnostics snapshot. Nil fields are skipped.
type DebugSources struct {
	Sessions    interface{ Snapshot() []session.Summary }
	Connections interface{ Count() int }
	Pending     interface{ Pending() int }
	RateBuckets interface{ Len() int }
}

// HandleDebugSnapshot serves live session and queue state. Register it only
// outside production: it exposes session ids.
func HandleDebugSnapshot(src DebugSources) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"generated_at": time.Now().UTC()}
		if src.Sessions != nil {
			sessions := src.Sessions.Snapshot()
			body["sessions"] = sessions
			body["session_count"] = len(sessions)
		}
		if src.Connections != nil {
			body["connections"] = src.Connections.Count()
		}
		if src.Pending != nil {
			body["pending_requests"] = src.Pending.Pending()
		}
		if src.RateBuckets != nil {
			body["rate_buckets"] = src.RateBuckets.Len()
		}
		c.JSON(http.StatusOK, body)
	}
}
