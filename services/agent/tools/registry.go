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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps tool names to tools.
//
// Tools are added with Register during startup. Freeze then makes the
// registry immutable; after that, lookups never take a lock.
//
// Thread Safety:
//
//	Register is safe for concurrent use before Freeze. All read methods are
//	safe for concurrent use at any time.
type Registry struct {
	mu     sync.Mutex
	byName map[string]Tool
	frozen atomic.Bool
	sorted []ToolDefinition
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool.
//
// # Outputs
//
//   - error: ErrRegistryFrozen after Freeze, ErrDuplicateTool if the name
//     is taken, or a plain error for nil tools and empty names.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("register: nil tool")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("register: tool has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("register %s: %w", name, ErrRegistryFrozen)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateTool)
	}
	r.byName[name] = tool
	return nil
}

// MustRegister is Register that panics, for static startup wiring.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Freeze makes the registry read-only. Calling it twice is harmless.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return
	}
	defs := make([]ToolDefinition, 0, len(r.byName))
	for _, t := range r.byName {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	r.sorted = defs
	r.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r.frozen.Load() {
		t, ok := r.byName[name]
		return t, ok
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byName[name]
	return t, ok
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all tool definitions sorted by name.
func (r *Registry) List() []ToolDefinition {
	if r.frozen.Load() {
		out := make([]ToolDefinition, len(r.sorted))
		copy(out, r.sorted)
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	defs := make([]ToolDefinition, 0, len(r.byName))
	for _, t := range r.byName {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	defs := r.List()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	if r.frozen.Load() {
		return len(r.byName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}
