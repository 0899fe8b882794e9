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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) *FuncTool {
	return NewFuncTool(ToolDefinition{
		Name:        name,
		Description: "echoes its input",
		Category:    CategoryGeospatial,
		Parameters: map[string]ParamDef{
			"text": {Type: ParamTypeString, Description: "text to echo", Required: true},
			"n":    {Type: ParamTypeInt, Description: "repeat count", Default: float64(1)},
		},
	}, func(ctx context.Context, params map[string]any) (*Result, error) {
		return Succeed(params), nil
	})
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("b_tool")))
	require.NoError(t, r.Register(echoTool("a_tool")))

	got, ok := r.Get("a_tool")
	require.True(t, ok)
	assert.Equal(t, "a_tool", got.Name())
	assert.True(t, r.Has("b_tool"))
	assert.False(t, r.Has("c_tool"))
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_RejectsDuplicatesAndNil(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("dup")))
	assert.ErrorIs(t, r.Register(echoTool("dup")), ErrDuplicateTool)
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(echoTool("")))
}

func TestRegistry_FreezeMakesImmutable(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("z"), echoTool("a"))
	r.Freeze()
	r.Freeze()

	assert.True(t, r.Frozen())
	assert.ErrorIs(t, r.Register(echoTool("late")), ErrRegistryFrozen)
	assert.Equal(t, []string{"a", "z"}, r.Names())

	defs := r.List()
	defs[0].Name = "mutated"
	assert.Equal(t, []string{"a", "z"}, r.Names(), "List must return a copy")
}

func TestRegistry_ConcurrentReadsAfterFreeze(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("a"), echoTool("b"))
	r.Freeze()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, ok := r.Get("a")
				assert.True(t, ok)
				_ = r.List()
			}
		}()
	}
	wg.Wait()
}

func TestToolDefinition_JSONSchema(t *testing.T) {
	min := -90.0
	def := ToolDefinition{
		Name: "geo",
		Parameters: map[string]ParamDef{
			"lat":   {Type: ParamTypeFloat, Required: true, Minimum: &min},
			"units": {Type: ParamTypeString, Enum: []any{"metric", "imperial"}},
		},
	}

	schema := def.JSONSchema()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"lat"}, schema["required"])

	props := schema["properties"].(map[string]any)
	lat := props["lat"].(map[string]any)
	assert.Equal(t, "number", lat["type"])
	assert.Equal(t, -90.0, lat["minimum"])
	units := props["units"].(map[string]any)
	assert.Equal(t, []any{"metric", "imperial"}, units["enum"])
}

func TestResult_IsEmpty(t *testing.T) {
	var nilResult *Result
	assert.True(t, nilResult.IsEmpty())
	assert.True(t, Succeed(nil).IsEmpty())
	assert.True(t, Succeed("").IsEmpty())
	assert.True(t, Succeed(map[string]any{}).IsEmpty())
	assert.True(t, Succeed([]any{}).IsEmpty())
	assert.False(t, Succeed(map[string]any{"k": 1}).IsEmpty())
	assert.False(t, Succeed(42.0).IsEmpty())
}
