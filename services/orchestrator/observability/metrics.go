// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the agent service.
//
// # Description
//
// Metrics cover the WebSocket frame flow, rate-limit rejections, tool
// executions, fallback answers, analysis failures, connections, sessions
// and per-session lane depth. They are registered on an injected
// prometheus.Registerer so tests can use isolated registries.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/EarthAgent/services/agent/fallback"
	"github.com/AleutianAI/EarthAgent/services/agent/protocol"
	"github.com/AleutianAI/EarthAgent/services/agent/ratelimit"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "earthagent"

// Subsystem for agent metrics
const agentSubsystem = "agent"

// AgentMetrics holds all Prometheus metrics for the agent protocol.
//
// It implements dispatcher.Metrics.
type AgentMetrics struct {
	// FramesTotal counts frames by direction (in, out) and type.
	FramesTotal *prometheus.CounterVec

	// RateLimitedTotal counts rejected requests by class.
	RateLimitedTotal *prometheus.CounterVec

	// ToolExecutionsTotal counts tool runs by tool and outcome.
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolDurationSeconds measures tool run time.
	ToolDurationSeconds *prometheus.HistogramVec

	// FallbacksTotal counts fallback answers by reason.
	FallbacksTotal *prometheus.CounterVec

	// AnalysisFailuresTotal counts tool results delivered without analysis.
	AnalysisFailuresTotal prometheus.Counter

	// ActiveConnections tracks open WebSocket connections.
	ActiveConnections prometheus.Gauge

	// SessionsCreatedTotal and SessionsEvictedTotal track the session store.
	SessionsCreatedTotal prometheus.Counter
	SessionsEvictedTotal prometheus.Counter

	// PendingRequests tracks queued requests across all session lanes.
	PendingRequests prometheus.Gauge

	// ParseErrorsTotal counts rejected inbound frames by error code.
	ParseErrorsTotal *prometheus.CounterVec
}

// NewAgentMetrics creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registerer to use. Nil means prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics if the metrics are already registered on reg.
func NewAgentMetrics(reg prometheus.Registerer) *AgentMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &AgentMetrics{
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "frames_total",
				Help:      "Total WebSocket frames by direction and type",
			},
			[]string{"direction", "type"},
		),

		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the rate limiter by class",
			},
			[]string{"class"},
		),

		ToolExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "tool_executions_total",
				Help:      "Total tool executions by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		ToolDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "tool_duration_seconds",
				Help:      "Tool execution duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),

		FallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "fallbacks_total",
				Help:      "Total fallback answers by reason",
			},
			[]string{"reason"},
		),

		AnalysisFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: agentSubsystem,
			Name:      "analysis_failures_total",
			Help:      "Total tool results delivered without analysis",
		}),

		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: agentSubsystem,
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections",
		}),

		SessionsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: agentSubsystem,
			Name:      "sessions_created_total",
			Help:      "Total sessions minted",
		}),

		SessionsEvictedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: agentSubsystem,
			Name:      "sessions_evicted_total",
			Help:      "Total sessions evicted by capacity pressure",
		}),

		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: agentSubsystem,
			Name:      "pending_requests",
			Help:      "Requests queued on session lanes",
		}),

		ParseErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "parse_errors_total",
				Help:      "Total inbound frames rejected by error code",
			},
			[]string{"code"},
		),
	}
}

// =============================================================================
// Frame Directions
// =============================================================================

// Direction labels frame counters.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// =============================================================================
// Helper Methods
// =============================================================================

// FrameReceived counts an accepted inbound frame.
func (m *AgentMetrics) FrameReceived(t protocol.Type) {
	m.FramesTotal.WithLabelValues(string(DirectionIn), string(t)).Inc()
}

// FrameEmitted counts a delivered outbound frame.
func (m *AgentMetrics) FrameEmitted(t protocol.Type) {
	m.FramesTotal.WithLabelValues(string(DirectionOut), string(t)).Inc()
}

// ParseError counts a rejected inbound frame.
func (m *AgentMetrics) ParseError(code string) {
	m.ParseErrorsTotal.WithLabelValues(code).Inc()
}

// RateLimited counts a rate-limit rejection.
func (m *AgentMetrics) RateLimited(class ratelimit.Class) {
	m.RateLimitedTotal.WithLabelValues(string(class)).Inc()
}

// ToolExecuted records a tool run. Zero durations are not observed.
func (m *AgentMetrics) ToolExecuted(tool, outcome string, d time.Duration) {
	m.ToolExecutionsTotal.WithLabelValues(tool, outcome).Inc()
	if d > 0 {
		m.ToolDurationSeconds.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// FallbackUsed counts a fallback answer.
func (m *AgentMetrics) FallbackUsed(reason fallback.Reason) {
	m.FallbacksTotal.WithLabelValues(string(reason)).Inc()
}

// AnalysisFailed counts a result delivered without analysis.
func (m *AgentMetrics) AnalysisFailed() {
	m.AnalysisFailuresTotal.Inc()
}

// LaneDepth adjusts the pending request gauge.
func (m *AgentMetrics) LaneDepth(delta int) {
	m.PendingRequests.Add(float64(delta))
}

// ConnectionOpened increments the active connections gauge.
func (m *AgentMetrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *AgentMetrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// SessionCreated counts a minted session.
func (m *AgentMetrics) SessionCreated() {
	m.SessionsCreatedTotal.Inc()
}

// SessionEvicted counts an evicted session.
func (m *AgentMetrics) SessionEvicted(string) {
	m.SessionsEvictedTotal.Inc()
}
