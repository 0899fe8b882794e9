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

// Stage is a request's position in the dispatch cycle.
type Stage int

const (
	StageReceived Stage = iota
	StageRateChecked
	StageRouted
	StageToolExecuted
	StageAnalyzed
	StageResponded
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageRateChecked:
		return "rate_checked"
	case StageRouted:
		return "routed"
	case StageToolExecuted:
		return "tool_executed"
	case StageAnalyzed:
		return "analyzed"
	case StageResponded:
		return "responded"
	default:
		return "unknown"
	}
}
