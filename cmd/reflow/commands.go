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
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/reflow/services/reflow/apps"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// serveOptions holds the flags of `reflow serve`.
type serveOptions struct {
	configPath string
	envFile    string
	app        string
	addr       string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "reflow",
		Short: "Serve reactive script apps to remote renderers",
		Long: `reflow reruns a UI script top to bottom on every interaction, diffs the
result against what the client already shows, and streams the minimal
patch over a binary WebSocket protocol.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newAppsCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server for one app",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML or TOML config file")
	f.StringVar(&opts.envFile, "env-file", "", "Load REFLOW_* variables from this file (default .env if present)")
	f.StringVarP(&opts.app, "app", "a", "hello", "Demo app to serve (list with: reflow apps)")
	f.StringVar(&opts.addr, "addr", "", "Listen address, overrides the config")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")
	return cmd
}

func newAppsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List the bundled demo apps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range apps.Names() {
				a, err := apps.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\n", a.Name, a.Description)
			}
			return w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "reflow %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
