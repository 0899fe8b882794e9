// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools provides the tool registry and execution framework for the
// agent.
//
// Tools are registered once at startup, after which the Registry is frozen
// and read without locks. The Executor validates parameters against each
// tool's schema, runs the handler under a timeout, and converts every
// failure into one of the typed errors below.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package tools

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Sentinel errors for registry and executor failures.
var (
	// ErrToolNotFound indicates the requested tool does not exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrValidationFailed indicates the arguments do not match the schema.
	ErrValidationFailed = errors.New("parameter validation failed")

	// ErrExecutionFailed indicates the tool handler returned an error or panicked.
	ErrExecutionFailed = errors.New("tool execution failed")

	// ErrTimeout indicates the tool did not finish within its timeout.
	ErrTimeout = errors.New("tool execution timed out")

	// ErrRegistryFrozen is returned by Register after Freeze.
	ErrRegistryFrozen = errors.New("tool registry is frozen")

	// ErrDuplicateTool is returned when two tools share a name.
	ErrDuplicateTool = errors.New("duplicate tool name")
)

// ToolCategory groups tools for discovery.
type ToolCategory string

const (
	CategoryWeather    ToolCategory = "weather"
	CategoryGeospatial ToolCategory = "geospatial"
)

func (c ToolCategory) String() string {
	return string(c)
}

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	ParamTypeString ParamType = "string"
	ParamTypeInt    ParamType = "integer"
	ParamTypeFloat  ParamType = "number"
	ParamTypeBool   ParamType = "boolean"
	ParamTypeArray  ParamType = "array"
	ParamTypeObject ParamType = "object"
)

// ParamDef defines a single parameter for a tool.
type ParamDef struct {
	Type        ParamType `json:"type"`
	Description string    `json:"description"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`

	// Enum restricts values to a set of options.
	Enum []any `json:"enum,omitempty"`

	// MinLength and MaxLength apply to strings.
	MinLength int `json:"minLength,omitempty"`
	MaxLength int `json:"maxLength,omitempty"`

	// Minimum and Maximum apply to numeric types.
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`
}

// ToolDefinition describes a tool's interface to the model and to clients.
type ToolDefinition struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Parameters  map[string]ParamDef `json:"parameters"`
	Category    ToolCategory        `json:"category"`

	// SideEffects marks tools whose results must never be cached.
	SideEffects bool `json:"side_effects"`

	// Timeout overrides the executor default when positive.
	Timeout time.Duration `json:"timeout,omitempty"`

	// CacheTTL enables result caching when positive.
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
}

// RequiredParams returns the required parameter names, sorted.
func (d ToolDefinition) RequiredParams() []string {
	var required []string
	for name, param := range d.Parameters {
		if param.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// JSONSchema renders the parameters as a JSON Schema object, the format
// expected by model function-calling APIs and the discovery endpoint.
func (d ToolDefinition) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	for name, p := range d.Parameters {
		prop := map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			prop["maximum"] = *p.Maximum
		}
		if p.MinLength > 0 {
			prop["minLength"] = p.MinLength
		}
		if p.MaxLength > 0 {
			prop["maxLength"] = p.MaxLength
		}
		props[name] = prop
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := d.RequiredParams(); len(req) > 0 {
		schema["required"] = req
	}
	return schema
}

// Tool is an executable tool.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation; the executor abandons handlers that outlive their timeout.
type Tool interface {
	Name() string
	Definition() ToolDefinition

	// Execute runs the tool with parameters already validated against
	// Definition().Parameters.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result contains the outcome of a tool execution.
type Result struct {
	Success bool `json:"success"`

	// Output is the structured payload delivered to clients and the
	// analysis pipeline. It is never modified after the handler returns.
	Output any `json:"output"`

	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached"`
}

// IsEmpty reports whether the result carries no usable data.
func (r *Result) IsEmpty() bool {
	if r == nil || r.Output == nil {
		return true
	}
	v := reflect.ValueOf(r.Output)
	switch v.Kind() {
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return v.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Invocation is one request to run a tool.
type Invocation struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"tool_name"`
	Parameters  map[string]any `json:"parameters"`
	SessionID   string         `json:"session_id,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Result      *Result        `json:"result,omitempty"`
}

// ExecutorOptions configures the tool executor.
type ExecutorOptions struct {
	// DefaultTimeout applies to tools without their own Timeout.
	DefaultTimeout time.Duration

	// Cache stores results of cacheable tools. Nil disables caching.
	Cache *Cache
}

// DefaultExecutorOptions returns a 30 second timeout and no cache.
func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		DefaultTimeout: 30 * time.Second,
	}
}

// ValidationError describes one argument that does not match the schema.
type ValidationError struct {
	ToolName  string `json:"tool_name"`
	Parameter string `json:"parameter"`
	Message   string `json:"message"`
	Expected  string `json:"expected,omitempty"`
	Actual    string `json:"actual,omitempty"`
}

func (e *ValidationError) Error() string {
	msg := e.Parameter + ": " + e.Message
	if e.Expected != "" && e.Actual != "" {
		msg += " (expected " + e.Expected + ", got " + e.Actual + ")"
	}
	if e.ToolName != "" {
		msg = e.ToolName + ": " + msg
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// ExecutionError reports a handler failure or timeout for a named tool.
// It wraps ErrExecutionFailed or ErrTimeout.
type ExecutionError struct {
	ToolName string
	Message  string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.ToolName, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a timeout.
func (e *ExecutionError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}
