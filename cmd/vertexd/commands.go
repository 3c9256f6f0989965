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
	"time"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	debugMode  bool

	stressOpts = defaultStressOptions()

	rootCmd = &cobra.Command{
		Use:   "vertexd",
		Short: "Aleutian Vertex graph access server",
		Long: `vertexd serves graphs of vertices and arcs to many concurrent
sessions, with per-vertex read/write access, atomic batch acquisition,
graph-wide readonly mode and named mutex vertices.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	stressCmd = &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent sessions against an in-memory graph and report contention",
		Args:  cobra.NoArgs,
		RunE:  runStressCmd,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML configuration file (VERTEX_* environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable gin debug mode and request logging")

	rootCmd.AddCommand(stressCmd)
	stressCmd.Flags().IntVar(&stressOpts.Sessions, "sessions", stressOpts.Sessions, "Number of concurrent sessions")
	stressCmd.Flags().IntVar(&stressOpts.Ops, "ops", stressOpts.Ops, "Operations per session")
	stressCmd.Flags().IntVar(&stressOpts.Vertices, "vertices", stressOpts.Vertices, "Size of the contended vertex pool")
	stressCmd.Flags().IntVar(&stressOpts.BatchSize, "batch", stressOpts.BatchSize, "Vertices per batch acquisition")
	stressCmd.Flags().IntVar(&stressOpts.Locks, "locks", stressOpts.Locks, "Number of named mutex vertices")
	stressCmd.Flags().DurationVar(&stressOpts.Timeout, "timeout", stressOpts.Timeout, "Wait per acquisition; 0 fails fast on contention")
	stressCmd.Flags().DurationVar(&stressOpts.Hold, "hold", stressOpts.Hold, "How long each acquisition is held")
	stressCmd.Flags().Uint64Var(&stressOpts.Seed, "seed", uint64(time.Now().UnixNano()), "Random seed")
	stressCmd.Flags().BoolVar(&stressOpts.Plain, "plain", false, "Print tab separated output even on a terminal")
}
