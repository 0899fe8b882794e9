// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import "encoding/json"

// =============================================================================
// Outbound Frames
// =============================================================================

// Frame is any server → client frame.
type Frame interface {
	FrameType() Type
}

// Header is embedded in every outbound frame.
type Header struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
}

// FrameType implements Frame.
func (h Header) FrameType() Type { return h.Type }

// SessionInfo announces the session bound to the connection.
type SessionInfo struct {
	Header
}

// Response carries a plain model answer.
type Response struct {
	Header
	Query    string `json:"query"`
	Response string `json:"response"`
}

// ToolResult carries the raw result of a tool, before analysis.
type ToolResult struct {
	Header
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Result    any            `json:"result"`
}

// ToolResultWithAnalysis is the terminal frame of a tool cycle, and of a
// fallback answer (Fallback set).
type ToolResultWithAnalysis struct {
	Header
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments"`
	Result         any            `json:"result"`
	Analysis       string         `json:"analysis"`
	Fallback       bool           `json:"fallback,omitempty"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
	AnalysisError  string         `json:"analysis_error,omitempty"`
}

// FallbackResult is the result body of a fallback frame.
type FallbackResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	FallbackUsed bool   `json:"fallback_used"`
}

// HistoryCleared acknowledges clear_history.
type HistoryCleared struct {
	Header
	Success bool `json:"success"`
}

// Error reports a failed request.
type Error struct {
	Header
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Pong answers ping.
type Pong struct {
	Header
}

func header(t Type, sessionID, requestID string) Header {
	return Header{Type: t, SessionID: sessionID, RequestID: requestID}
}

// NewSessionInfo builds a session_info frame.
func NewSessionInfo(sessionID string) *SessionInfo {
	return &SessionInfo{Header: header(TypeSessionInfo, sessionID, "")}
}

// NewResponse builds a response frame.
func NewResponse(sessionID, requestID, query, text string) *Response {
	return &Response{Header: header(TypeResponse, sessionID, requestID), Query: query, Response: text}
}

// NewToolResult builds a raw tool_result frame.
func NewToolResult(sessionID, requestID, tool string, args map[string]any, result any) *ToolResult {
	return &ToolResult{
		Header:    header(TypeToolResult, sessionID, requestID),
		ToolName:  tool,
		Arguments: args,
		Result:    result,
	}
}

// NewToolResultWithAnalysis builds the terminal frame of a tool cycle.
func NewToolResultWithAnalysis(sessionID, requestID, tool string, args map[string]any, result any, analysis string) *ToolResultWithAnalysis {
	return &ToolResultWithAnalysis{
		Header:    header(TypeToolResultWithAnalysis, sessionID, requestID),
		ToolName:  tool,
		Arguments: args,
		Result:    result,
		Analysis:  analysis,
	}
}

// NewFallback builds a fallback-tagged tool_result_with_analysis frame.
func NewFallback(sessionID, requestID, tool string, args map[string]any, reason, answer string) *ToolResultWithAnalysis {
	f := NewToolResultWithAnalysis(sessionID, requestID, tool, args,
		FallbackResult{Success: true, Message: answer, FallbackUsed: true}, answer)
	f.Fallback = true
	f.FallbackReason = reason
	return f
}

// NewHistoryCleared builds a history_cleared frame.
func NewHistoryCleared(sessionID, requestID string) *HistoryCleared {
	return &HistoryCleared{Header: header(TypeHistoryCleared, sessionID, requestID), Success: true}
}

// NewError builds an error frame.
func NewError(sessionID, requestID, code, msg string) *Error {
	return &Error{Header: header(TypeError, sessionID, requestID), Error: msg, Code: code}
}

// NewPong builds a pong frame.
func NewPong(sessionID, requestID string) *Pong {
	return &Pong{Header: header(TypePong, sessionID, requestID)}
}

// Encode marshals an outbound frame.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// =============================================================================
// Client-side view
// =============================================================================

// ServerFrame is a flat view of any server → client frame, for clients that
// dispatch on Type.
type ServerFrame struct {
	Type           Type            `json:"type"`
	SessionID      string          `json:"session_id"`
	RequestID      string          `json:"request_id,omitempty"`
	Query          string          `json:"query,omitempty"`
	Response       string          `json:"response,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	Arguments      map[string]any  `json:"arguments,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Analysis       string          `json:"analysis,omitempty"`
	Fallback       bool            `json:"fallback,omitempty"`
	FallbackReason string          `json:"fallback_reason,omitempty"`
	AnalysisError  string          `json:"analysis_error,omitempty"`
	Success        bool            `json:"success,omitempty"`
	Error          string          `json:"error,omitempty"`
	Code           string          `json:"code,omitempty"`
}

// Terminal reports whether f ends a request cycle.
func (f *ServerFrame) Terminal() bool {
	switch f.Type {
	case TypeResponse, TypeToolResultWithAnalysis, TypeHistoryCleared, TypeError, TypePong:
		return true
	}
	return false
}

// DecodeServerFrame parses a server → client frame.
func DecodeServerFrame(data []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ParseError{Code: CodeParseError, Message: "server frame is not valid JSON", Err: err}
	}
	return &f, nil
}
