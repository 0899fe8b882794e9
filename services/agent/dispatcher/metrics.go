// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatcher

import (
	"time"

	"github.com/AleutianAI/EarthAgent/services/agent/fallback"
	"github.com/AleutianAI/EarthAgent/services/agent/protocol"
	"github.com/AleutianAI/EarthAgent/services/agent/ratelimit"
)

// Metrics receives dispatch events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	FrameEmitted(t protocol.Type)
	RateLimited(class ratelimit.Class)
	ToolExecuted(tool, outcome string, d time.Duration)
	FallbackUsed(reason fallback.Reason)
	AnalysisFailed()
	LaneDepth(delta int)
}

// Tool execution outcomes reported to Metrics.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeInvalid = "invalid"
	OutcomeEmpty   = "empty"
)

type nopMetrics struct{}

func (nopMetrics) FrameEmitted(protocol.Type)                 {}
func (nopMetrics) RateLimited(ratelimit.Class)                {}
func (nopMetrics) ToolExecuted(string, string, time.Duration) {}
func (nopMetrics) FallbackUsed(fallback.Reason)               {}
func (nopMetrics) AnalysisFailed()                            {}
func (nopMetrics) LaneDepth(int)                              {}
