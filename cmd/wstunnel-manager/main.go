// Package main is the entry point for the wstunnel-manager binary.
//
// wstunnel-manager runs and supervises wstunnel client and server processes.
// It combines a TUI dashboard (built with Bubble Tea) and a CLI (built with
// Cobra).
//
// When invoked without arguments, it launches the interactive dashboard. With
// --headless, or the "run" subcommand, it starts the autostart tunnels and
// supervises them until SIGINT or SIGTERM.
//
// Usage:
//
//	wstunnel-manager                 # launch the dashboard
//	wstunnel-manager --headless      # supervise without a terminal
//	wstunnel-manager add --tag db -- -L tcp://5432:db:5432 wss://edge.example.com
//	wstunnel-manager list            # list configured tunnels
package main

import (
	"fmt"
	"os"

	"github.com/treykane/wstunnel-manager/internal/cli"
	"github.com/treykane/wstunnel-manager/internal/security"
)

func main() {
	cmd := cli.NewRootCommand()

	// Errors are reduced to a user-safe message: credentials in arguments
	// are masked and the home directory is shown as ~.
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", security.UserMessage(err))
		os.Exit(1)
	}
}
