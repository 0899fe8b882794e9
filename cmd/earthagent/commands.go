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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath    string
	portFlag      int
	chatURL       string
	chatSID       string
	toolsJSON     bool
	toolsMarkdown bool

	rootCmd = &cobra.Command{
		Use:   "earthagent",
		Short: "Real-time agent server for weather and geospatial questions",
		Long: `EarthAgent answers free-text questions over a WebSocket session,
choosing and running tools, explaining their results and falling back
to a model answer when no tool applies.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the agent server",
		RunE:  runServe,
	}

	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "Print the built-in tool catalog",
		RunE:  runTools,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running agent from the terminal",
		Long: `Reads one message per line from stdin. Lines starting with a slash
are commands:

  /tool <name> <json arguments>   call a tool directly
  /clear                          clear the session history
  /quit                           exit`,
		RunE: runChat,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("earthagent", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the YAML config file (default ./earthagent.yaml if present)")

	serveCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "Override the HTTP port")
	rootCmd.AddCommand(serveCmd)

	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "Print the catalog as JSON with parameter schemas")
	toolsCmd.Flags().BoolVar(&toolsMarkdown, "markdown", false, "Print a markdown tool reference")
	rootCmd.AddCommand(toolsCmd)

	chatCmd.Flags().StringVar(&chatURL, "url", "ws://localhost:12210/ws", "Agent WebSocket URL")
	chatCmd.Flags().StringVar(&chatSID, "session", "", "Resume an existing session id")
	rootCmd.AddCommand(chatCmd)

	rootCmd.AddCommand(versionCmd)
}
