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

import "context"

// HandlerFunc is the signature of a tool body.
type HandlerFunc func(ctx context.Context, params map[string]any) (*Result, error)

// FuncTool adapts a definition and a HandlerFunc to the Tool interface.
type FuncTool struct {
	definition ToolDefinition
	handler    HandlerFunc
}

// NewFuncTool creates a tool from def and fn.
func NewFuncTool(def ToolDefinition, fn HandlerFunc) *FuncTool {
	if def.Parameters == nil {
		def.Parameters = make(map[string]ParamDef)
	}
	return &FuncTool{definition: def, handler: fn}
}

func (t *FuncTool) Name() string               { return t.definition.Name }
func (t *FuncTool) Definition() ToolDefinition { return t.definition }

func (t *FuncTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	return t.handler(ctx, params)
}

// Succeed wraps output in a successful Result.
func Succeed(output any) *Result {
	return &Result{Success: true, Output: output}
}

var _ Tool = (*FuncTool)(nil)
