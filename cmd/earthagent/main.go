// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command earthagent runs the EarthAgent server and a terminal chat client.
//
// # Usage
//
//	earthagent serve --config earthagent.yaml
//	earthagent tools
//	earthagent chat --url ws://localhost:12210/ws
//	earthagent version
package main

import (
	"os"

	"github.com/AleutianAI/EarthAgent/pkg/secrets"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	err := rootCmd.Execute()
	secrets.Purge()
	if err != nil {
		os.Exit(1)
	}
}
