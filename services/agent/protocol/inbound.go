// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the JSON frames exchanged over the agent
// WebSocket and decodes and validates inbound frames.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxQueryBytes bounds a free-text query.
const MaxQueryBytes = 32 * 1024

// Type is a frame's type discriminator.
type Type string

// Client → server frame types.
const (
	TypeQuery        Type = "query"
	TypeToolCall     Type = "tool_call"
	TypeClearHistory Type = "clear_history"
	TypePing         Type = "ping"
)

// Server → client frame types.
const (
	TypeSessionInfo            Type = "session_info"
	TypeResponse               Type = "response"
	TypeToolResult             Type = "tool_result"
	TypeToolResultWithAnalysis Type = "tool_result_with_analysis"
	TypeHistoryCleared         Type = "history_cleared"
	TypeError                  Type = "error"
	TypePong                   Type = "pong"
)

// Error codes carried by error frames.
const (
	CodeParseError       = "parse_error"
	CodeInvalidRequest   = "invalid_request"
	CodeInvalidArguments = "invalid_arguments"
	CodeRateLimited      = "rate_limited"
	CodeBusy             = "busy"
	CodeInternal         = "internal_error"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxQueryBytes
	})
}

// =============================================================================
// Inbound Frames
// =============================================================================

// Inbound is a client → server frame.
//
// Which fields are required depends on Type: query needs Query, tool_call
// needs ToolName. SessionID is optional everywhere; an empty id targets the
// session bound to the connection.
type Inbound struct {
	Type      Type           `json:"type" validate:"required,oneof=query tool_call clear_history ping"`
	SessionID string         `json:"session_id,omitempty" validate:"max=128"`
	RequestID string         `json:"request_id,omitempty" validate:"max=128"`
	Query     string         `json:"query,omitempty" validate:"required_if=Type query,maxbytes"`
	ToolName  string         `json:"tool_name,omitempty" validate:"required_if=Type tool_call,max=128"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ParseError reports a frame that could not be decoded or failed validation.
type ParseError struct {
	Code    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *ParseError) Unwrap() error { return e.Err }

// Decode parses and validates one inbound frame.
//
// # Outputs
//
//   - *Inbound: The decoded frame, with Query trimmed.
//   - error: *ParseError with CodeParseError for malformed JSON and
//     CodeInvalidRequest for frames of the wrong shape.
func Decode(data []byte) (*Inbound, error) {
	var in Inbound
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&in); err != nil {
		return nil, &ParseError{Code: CodeParseError, Message: "frame is not valid JSON", Err: err}
	}
	if dec.More() {
		return nil, &ParseError{Code: CodeParseError, Message: "trailing data after frame"}
	}
	in.Query = strings.TrimSpace(in.Query)
	in.ToolName = strings.TrimSpace(in.ToolName)
	in.SessionID = strings.TrimSpace(in.SessionID)

	if err := validate.Struct(&in); err != nil {
		return nil, &ParseError{Code: CodeInvalidRequest, Message: describe(err), Err: err}
	}
	if in.Arguments == nil && in.Type == TypeToolCall {
		in.Arguments = map[string]any{}
	}
	return &in, nil
}

// describe turns validator errors into a short client-facing message.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid frame"
	}
	fe := verrs[0]
	field := jsonName(fe.Field())
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("missing required field %q", field)
	case "oneof":
		return fmt.Sprintf("unknown frame type %q", fe.Value())
	case "max", "maxbytes":
		return fmt.Sprintf("field %q is too long", field)
	default:
		return fmt.Sprintf("field %q is invalid", field)
	}
}

func jsonName(field string) string {
	switch field {
	case "SessionID":
		return "session_id"
	case "RequestID":
		return "request_id"
	case "ToolName":
		return "tool_name"
	default:
		return strings.ToLower(field)
	}
}
