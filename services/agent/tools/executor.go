// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("earthagent.tools")

// Executor handles tool invocations with validation, timeouts and caching.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Multiple tool executions can
//	run simultaneously.
type Executor struct {
	registry *Registry
	options  ExecutorOptions
	logger   *slog.Logger
}

// NewExecutor creates a new tool executor.
//
// Inputs:
//
//	registry - The tool registry
//	opts - Executor options (uses defaults if nil)
func NewExecutor(registry *Registry, opts *ExecutorOptions) *Executor {
	options := DefaultExecutorOptions()
	if opts != nil {
		options = *opts
		if options.DefaultTimeout <= 0 {
			options.DefaultTimeout = DefaultExecutorOptions().DefaultTimeout
		}
	}
	return &Executor{
		registry: registry,
		options:  options,
		logger:   slog.Default(),
	}
}

// WithLogger sets the executor's logger and returns the executor.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// Registry returns the registry the executor resolves tools against.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs a tool with the given invocation.
//
// Description:
//
//	Resolves the tool, validates and defaults its parameters, serves the
//	result from cache when possible, and otherwise runs the handler in its
//	own goroutine under the tool's timeout. A handler that ignores
//	cancellation is abandoned, not waited for.
//
// Inputs:
//
//	ctx - Context for cancellation
//	invocation - The tool invocation to execute
//
// Outputs:
//
//	*Result - The execution result, Success is always true
//	error - Non-nil if execution failed
//
// Errors:
//
//	ErrToolNotFound - Tool does not exist
//	*ValidationError (ErrValidationFailed) - Arguments do not match the schema
//	*ExecutionError (ErrTimeout) - Execution timed out
//	*ExecutionError (ErrExecutionFailed) - Handler failed, panicked or reported failure
func (e *Executor) Execute(ctx context.Context, invocation *Invocation) (*Result, error) {
	if invocation == nil {
		return nil, &ValidationError{Parameter: "invocation", Message: "nil invocation"}
	}
	if invocation.ID == "" {
		invocation.ID = uuid.NewString()
	}

	logger := e.logger.With(
		"tool", invocation.ToolName,
		"invocation_id", invocation.ID,
		"session_id", invocation.SessionID,
	)

	tool, ok := e.registry.Get(invocation.ToolName)
	if !ok {
		logger.Warn("Tool not found")
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, invocation.ToolName)
	}
	def := tool.Definition()

	params, err := prepareParams(def, invocation.Parameters)
	if err != nil {
		logger.Warn("Parameter validation failed", "error", err)
		return nil, err
	}
	invocation.Parameters = params

	cacheable := e.options.Cache != nil && def.CacheTTL > 0 && !def.SideEffects
	if cacheable {
		if cached, ok := e.options.Cache.Get(def.Name, params); ok {
			logger.Debug("Cache hit")
			invocation.Result = cached
			return cached, nil
		}
	}

	timeout := e.options.DefaultTimeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}

	ctx, span := tracer.Start(ctx, "tools.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", def.Name),
		attribute.String("tool.invocation_id", invocation.ID),
		attribute.Int64("tool.timeout_ms", timeout.Milliseconds()),
	)

	invocation.StartedAt = time.Now()
	result, err := e.run(ctx, tool, params, timeout)
	invocation.CompletedAt = time.Now()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var execErr *ExecutionError
		if errors.As(err, &execErr) && execErr.Timeout() {
			logger.Error("Tool execution timed out", "timeout", timeout)
		} else {
			logger.Error("Tool execution failed", "error", err)
		}
		return nil, err
	}

	result.Duration = invocation.CompletedAt.Sub(invocation.StartedAt)
	invocation.Result = result

	if cacheable {
		if err := e.options.Cache.Set(def.Name, params, result, def.CacheTTL); err != nil {
			logger.Warn("Failed to cache tool result", "error", err)
		}
	}

	logger.Debug("Tool executed", "duration", result.Duration)
	return result, nil
}

type outcome struct {
	result *Result
	err    error
}

func (e *Executor) run(ctx context.Context, tool Tool, params map[string]any, timeout time.Duration) (*Result, error) {
	name := tool.Name()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := tool.Execute(runCtx, params)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		out = outcome{err: runCtx.Err()}
	}

	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &ExecutionError{
				ToolName: name,
				Message:  fmt.Sprintf("timed out after %v", timeout),
				Err:      ErrTimeout,
			}
		}
		return nil, &ExecutionError{
			ToolName: name,
			Message:  out.err.Error(),
			Err:      fmt.Errorf("%w: %w", ErrExecutionFailed, out.err),
		}
	}
	if out.result == nil {
		return nil, &ExecutionError{ToolName: name, Message: "returned no result", Err: ErrExecutionFailed}
	}
	if !out.result.Success {
		msg := out.result.Error
		if msg == "" {
			msg = "reported failure"
		}
		return nil, &ExecutionError{ToolName: name, Message: msg, Err: ErrExecutionFailed}
	}
	return out.result, nil
}

// prepareParams validates params against def and returns a copy holding only
// declared parameters, with defaults applied for missing optional ones.
func prepareParams(def ToolDefinition, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(def.Parameters))
	for name, p := range def.Parameters {
		value, present := params[name]
		if !present || value == nil {
			if p.Required {
				return nil, &ValidationError{ToolName: def.Name, Parameter: name, Message: "required parameter missing"}
			}
			if p.Default != nil {
				out[name] = p.Default
			}
			continue
		}
		if err := validateParam(name, value, p); err != nil {
			err.ToolName = def.Name
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// validateParam validates a single parameter value.
func validateParam(name string, value any, def ParamDef) *ValidationError {
	switch def.Type {
	case ParamTypeString:
		str, ok := value.(string)
		if !ok {
			return &ValidationError{Parameter: name, Message: "wrong type", Expected: "string", Actual: fmt.Sprintf("%T", value)}
		}
		if def.MinLength > 0 && len(str) < def.MinLength {
			return &ValidationError{Parameter: name, Message: fmt.Sprintf("string length must be at least %d", def.MinLength)}
		}
		if def.MaxLength > 0 && len(str) > def.MaxLength {
			return &ValidationError{Parameter: name, Message: fmt.Sprintf("string length must be at most %d", def.MaxLength)}
		}

	case ParamTypeInt, ParamTypeFloat:
		num, ok := toFloat(value)
		if !ok {
			return &ValidationError{Parameter: name, Message: "wrong type", Expected: string(def.Type), Actual: fmt.Sprintf("%T", value)}
		}
		if def.Type == ParamTypeInt && num != math.Trunc(num) {
			return &ValidationError{Parameter: name, Message: "wrong type", Expected: "integer", Actual: fmt.Sprintf("%v", num)}
		}
		if def.Minimum != nil && num < *def.Minimum {
			return &ValidationError{Parameter: name, Message: fmt.Sprintf("value must be at least %v", *def.Minimum)}
		}
		if def.Maximum != nil && num > *def.Maximum {
			return &ValidationError{Parameter: name, Message: fmt.Sprintf("value must be at most %v", *def.Maximum)}
		}

	case ParamTypeBool:
		if _, ok := value.(bool); !ok {
			return &ValidationError{Parameter: name, Message: "wrong type", Expected: "boolean", Actual: fmt.Sprintf("%T", value)}
		}

	case ParamTypeArray:
		if _, ok := value.([]any); !ok {
			return &ValidationError{Parameter: name, Message: "wrong type", Expected: "array", Actual: fmt.Sprintf("%T", value)}
		}

	case ParamTypeObject:
		if _, ok := value.(map[string]any); !ok {
			return &ValidationError{Parameter: name, Message: "wrong type", Expected: "object", Actual: fmt.Sprintf("%T", value)}
		}
	}

	if len(def.Enum) > 0 {
		for _, allowed := range def.Enum {
			if value == allowed {
				return nil
			}
		}
		return &ValidationError{
			Parameter: name,
			Message:   "value not in allowed enum",
			Expected:  fmt.Sprintf("%v", def.Enum),
			Actual:    fmt.Sprintf("%v", value),
		}
	}
	return nil
}

// toFloat accepts the numeric types JSON decoding and Go callers produce.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}
