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
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/EarthAgent/services/agent/tools"
	"github.com/AleutianAI/EarthAgent/services/agent/tools/builtin"
	"github.com/AleutianAI/EarthAgent/services/orchestrator/handlers"
)

// builtinRegistry registers the built-in tools without credentials; only
// their definitions are needed.
func builtinRegistry() (*tools.Registry, error) {
	reg := tools.NewRegistry()
	if err := builtin.Register(reg, builtin.NewOpenWeatherMap("", nil, 0)); err != nil {
		return nil, err
	}
	reg.Freeze()
	return reg, nil
}

func runTools(cmd *cobra.Command, args []string) error {
	reg, err := builtinRegistry()
	if err != nil {
		return err
	}
	if toolsMarkdown {
		writeToolReference(cmd.OutOrStdout(), reg.List())
		return nil
	}

	descriptors := handlers.DescribeTools(reg)
	if toolsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(descriptors)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCATEGORY\tDESCRIPTION")
	for _, d := range descriptors {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.Category, d.Description)
	}
	return w.Flush()
}
