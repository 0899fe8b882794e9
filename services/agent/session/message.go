// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import "time"

// Role is the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a session's conversation history.
//
// Messages are values and are never modified once appended. A tool
// invocation is recorded as a RoleTool message carrying ToolName, Arguments
// and Result; its explanation is a separate RoleAssistant message.
type Message struct {
	Role      Role           `json:"role"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
	Fallback  bool           `json:"fallback,omitempty"`
}

// IsToolResult reports whether the message records a tool invocation.
func (m Message) IsToolResult() bool {
	return m.Role == RoleTool && m.ToolName != ""
}
