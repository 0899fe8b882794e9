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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, opts *ExecutorOptions, tools ...Tool) *Executor {
	t.Helper()
	r := NewRegistry()
	r.MustRegister(tools...)
	r.Freeze()
	return NewExecutor(r, opts)
}

func TestExecutor_Success(t *testing.T) {
	e := newTestExecutor(t, nil, echoTool("echo"))

	inv := &Invocation{ToolName: "echo", Parameters: map[string]any{"text": "hi", "extra": true}}
	res, err := e.Execute(context.Background(), inv)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.NotEmpty(t, inv.ID)
	out := res.Output.(map[string]any)
	assert.Equal(t, "hi", out["text"])
	assert.Equal(t, float64(1), out["n"], "default applied")
	assert.NotContains(t, out, "extra", "undeclared parameters are dropped")
	assert.Same(t, res, inv.Result)
}

func TestExecutor_UnknownTool(t *testing.T) {
	e := newTestExecutor(t, nil, echoTool("echo"))

	_, err := e.Execute(context.Background(), &Invocation{ToolName: "nope"})
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestExecutor_ValidationErrors(t *testing.T) {
	max := 10.0
	tool := NewFuncTool(ToolDefinition{
		Name: "strict",
		Parameters: map[string]ParamDef{
			"name":  {Type: ParamTypeString, Required: true, MaxLength: 5},
			"count": {Type: ParamTypeInt, Maximum: &max},
			"flag":  {Type: ParamTypeBool},
			"mode":  {Type: ParamTypeString, Enum: []any{"a", "b"}},
			"list":  {Type: ParamTypeArray},
			"obj":   {Type: ParamTypeObject},
		},
	}, func(ctx context.Context, params map[string]any) (*Result, error) {
		return Succeed("ok"), nil
	})
	e := newTestExecutor(t, nil, tool)

	tests := []struct {
		name      string
		params    map[string]any
		parameter string
	}{
		{"missing required", map[string]any{}, "name"},
		{"wrong type", map[string]any{"name": 12.0}, "name"},
		{"too long", map[string]any{"name": "abcdefg"}, "name"},
		{"fractional integer", map[string]any{"name": "x", "count": 1.5}, "count"},
		{"above maximum", map[string]any{"name": "x", "count": 11.0}, "count"},
		{"bool type", map[string]any{"name": "x", "flag": "yes"}, "flag"},
		{"enum", map[string]any{"name": "x", "mode": "c"}, "mode"},
		{"array type", map[string]any{"name": "x", "list": "a,b"}, "list"},
		{"object type", map[string]any{"name": "x", "obj": []any{}}, "obj"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), &Invocation{ToolName: "strict", Parameters: tt.params})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.parameter, vErr.Parameter)
			assert.Equal(t, "strict", vErr.ToolName)
		})
	}

	_, err := e.Execute(context.Background(), &Invocation{ToolName: "strict", Parameters: map[string]any{"name": "ok", "count": 3.0, "mode": "a"}})
	assert.NoError(t, err)
}

func TestExecutor_Timeout(t *testing.T) {
	slow := NewFuncTool(ToolDefinition{Name: "slow", Timeout: 20 * time.Millisecond},
		func(ctx context.Context, params map[string]any) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	e := newTestExecutor(t, nil, slow)

	_, err := e.Execute(context.Background(), &Invocation{ToolName: "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.True(t, execErr.Timeout())
	assert.Equal(t, "slow", execErr.ToolName)
}

func TestExecutor_AbandonsHandlerIgnoringCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := NewFuncTool(ToolDefinition{Name: "stuck"},
		func(ctx context.Context, params map[string]any) (*Result, error) {
			<-release
			return Succeed("late"), nil
		})
	e := newTestExecutor(t, &ExecutorOptions{DefaultTimeout: 20 * time.Millisecond}, stuck)

	start := time.Now()
	_, err := e.Execute(context.Background(), &Invocation{ToolName: "stuck"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecutor_HandlerFailures(t *testing.T) {
	failing := NewFuncTool(ToolDefinition{Name: "failing"},
		func(ctx context.Context, params map[string]any) (*Result, error) {
			return nil, errors.New("upstream 503")
		})
	panicking := NewFuncTool(ToolDefinition{Name: "panicking"},
		func(ctx context.Context, params map[string]any) (*Result, error) {
			panic("boom")
		})
	reported := NewFuncTool(ToolDefinition{Name: "reported"},
		func(ctx context.Context, params map[string]any) (*Result, error) {
			return &Result{Success: false, Error: "city not found"}, nil
		})
	nothing := NewFuncTool(ToolDefinition{Name: "nothing"},
		func(ctx context.Context, params map[string]any) (*Result, error) {
			return nil, nil
		})
	e := newTestExecutor(t, nil, failing, panicking, reported, nothing)

	tests := []struct {
		tool    string
		message string
	}{
		{"failing", "upstream 503"},
		{"panicking", "panic: boom"},
		{"reported", "city not found"},
		{"nothing", "returned no result"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			_, err := e.Execute(context.Background(), &Invocation{ToolName: tt.tool})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrExecutionFailed)
			assert.NotErrorIs(t, err, ErrTimeout)
			var execErr *ExecutionError
			require.True(t, errors.As(err, &execErr))
			assert.Equal(t, tt.tool, execErr.ToolName)
			assert.Contains(t, execErr.Message, tt.message)
		})
	}
}

func TestExecutor_CachesCacheableTools(t *testing.T) {
	cache, err := OpenCache(CacheConfig{InMemory: true})
	require.NoError(t, err)
	defer cache.Close()

	var calls atomic.Int32
	counted := func(name string, ttl time.Duration, sideEffects bool) *FuncTool {
		return NewFuncTool(ToolDefinition{
			Name:        name,
			CacheTTL:    ttl,
			SideEffects: sideEffects,
			Parameters:  map[string]ParamDef{"q": {Type: ParamTypeString}},
		}, func(ctx context.Context, params map[string]any) (*Result, error) {
			calls.Add(1)
			return Succeed(map[string]any{"q": params["q"], "temp": 21.5}), nil
		})
	}
	e := newTestExecutor(t, &ExecutorOptions{Cache: cache},
		counted("cached", time.Minute, false),
		counted("uncached", 0, false),
		counted("mutating", time.Minute, true),
	)

	for _, name := range []string{"cached", "uncached", "mutating"} {
		calls.Store(0)
		first, err := e.Execute(context.Background(), &Invocation{ToolName: name, Parameters: map[string]any{"q": "Paris"}})
		require.NoError(t, err)
		assert.False(t, first.Cached)

		second, err := e.Execute(context.Background(), &Invocation{ToolName: name, Parameters: map[string]any{"q": "Paris"}})
		require.NoError(t, err)

		if name == "cached" {
			assert.Equal(t, int32(1), calls.Load())
			assert.True(t, second.Cached)
			assert.Equal(t, map[string]any{"q": "Paris", "temp": 21.5}, second.Output)
		} else {
			assert.Equal(t, int32(2), calls.Load(), name)
			assert.False(t, second.Cached)
		}
	}
}
