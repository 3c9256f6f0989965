// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command vertexd serves Aleutian Vertex graphs over HTTP.
//
// Usage:
//
//	vertexd serve --config vertexd.yaml
//	vertexd stress --sessions 32 --ops 500
//
// Example requests:
//
//	# Create a session
//	curl -X POST http://127.0.0.1:12380/v1/vertex/sessions
//
//	# Open a vertex writable
//	curl -X POST http://127.0.0.1:12380/v1/vertex/graphs/default/vertices/open \
//	  -H "X-Vertex-Session: $SESSION" \
//	  -H "Content-Type: application/json" \
//	  -d '{"id": "alice", "mode": "w"}'
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
