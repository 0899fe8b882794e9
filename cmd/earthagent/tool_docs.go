// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/AleutianAI/EarthAgent/services/agent/tools"
)

// writeToolReference renders the registry as a markdown reference: a
// summary table, then one section per category with a parameter table
// per tool.
func writeToolReference(w io.Writer, defs []tools.ToolDefinition) {
	fmt.Fprintln(w, "# Tool Reference")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d tools are available to the agent. The model selects them from a free-text query,\n", len(defs))
	fmt.Fprintln(w, "or clients invoke them directly with a `tool_call` frame.")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "| Tool | Category | Timeout | Cached |")
	fmt.Fprintln(w, "|------|----------|---------|--------|")
	for _, d := range defs {
		fmt.Fprintf(w, "| `%s` | %s | %s | %s |\n", d.Name, d.Category, timeoutLabel(d), cacheLabel(d))
	}
	fmt.Fprintln(w)

	byCategory := make(map[tools.ToolCategory][]tools.ToolDefinition)
	var categories []tools.ToolCategory
	for _, d := range defs {
		if _, ok := byCategory[d.Category]; !ok {
			categories = append(categories, d.Category)
		}
		byCategory[d.Category] = append(byCategory[d.Category], d)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	for _, cat := range categories {
		fmt.Fprintf(w, "## %s\n\n", titleCase(cat.String()))
		for _, d := range byCategory[cat] {
			writeToolSection(w, d)
		}
	}
}

func writeToolSection(w io.Writer, d tools.ToolDefinition) {
	fmt.Fprintf(w, "### `%s`\n\n%s\n\n", d.Name, d.Description)
	if len(d.Parameters) == 0 {
		fmt.Fprint(w, "No parameters.\n\n")
		return
	}

	names := make([]string, 0, len(d.Parameters))
	for name := range d.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "| Parameter | Type | Required | Description |")
	fmt.Fprintln(w, "|-----------|------|----------|-------------|")
	for _, name := range names {
		p := d.Parameters[name]
		desc := p.Description
		if len(p.Enum) > 0 {
			desc += fmt.Sprintf(" One of: %v.", p.Enum)
		}
		if p.Default != nil {
			desc += fmt.Sprintf(" Default: `%v`.", p.Default)
		}
		required := "no"
		if p.Required {
			required = "yes"
		}
		fmt.Fprintf(w, "| `%s` | %s | %s | %s |\n", name, p.Type, required, strings.ReplaceAll(desc, "|", `\|`))
	}
	fmt.Fprintln(w)
}

func timeoutLabel(d tools.ToolDefinition) string {
	if d.Timeout > 0 {
		return d.Timeout.String()
	}
	return "default"
}

func cacheLabel(d tools.ToolDefinition) string {
	if d.SideEffects || d.CacheTTL <= 0 {
		return "no"
	}
	return d.CacheTTL.String()
}

func titleCase(s string) string {
	if s == "" {
		return "Uncategorized"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
