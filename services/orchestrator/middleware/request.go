// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the EarthAgent service.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► reuse X-Request-ID or mint a uuid, echo it on the response
//	   │
//	   ▼
//	AccessLog ──► one structured slog record per request after the handler
//	   │
//	   ▼
//	Handler (retrieves the id via GetRequestID)
package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID carries the correlation id in both directions.
const HeaderRequestID = "X-Request-ID"

const requestIDKey = "earthagent_request_id"

// maxRequestIDLen bounds client-supplied ids before they reach the logs.
const maxRequestIDLen = 128

// =============================================================================
// Context Helpers
// =============================================================================

// SetRequestID stores the correlation id in the Gin context.
func SetRequestID(c *gin.Context, id string) {
	c.Set(requestIDKey, id)
}

// GetRequestID returns the correlation id, or "" outside RequestID.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func GetRequestID(c *gin.Context) string {
	v, ok := c.Get(requestIDKey)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}

// =============================================================================
// Middleware
// =============================================================================

// RequestID assigns every request a correlation id.
//
// # Description
//
// A well-formed incoming X-Request-ID header is kept so ids propagate
// across services; otherwise a new uuid is generated. The id is stored in
// the context and echoed on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		SetRequestID(c, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// AccessLog writes one record per request to logger.
//
// # Description
//
// Server errors log at Error, client errors at Warn, everything else at
// Debug so health probes stay quiet at the default level. Paths in skip are
// never logged.
func AccessLog(logger *slog.Logger, skip ...string) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if _, ok := skipped[path]; ok {
			return
		}

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration", time.Since(start),
			"request_id", GetRequestID(c),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}
		logger.Log(c.Request.Context(), level, "HTTP request", attrs...)
	}
}
