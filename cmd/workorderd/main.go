// Package main is the entry point of the work-order service. serve wires
// all dependencies together and runs the HTTP API with the notification
// pipeline; validate and replay are offline maintenance commands.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pitabwire/workorder/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "workorderd",
	Short:         "Work-order process engine and notification dispatcher",
	Version:       version + " (" + commit + ")",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(*cobra.Command, []string) {
		observability.Version = version
		observability.Commit = commit
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(serveCmd, validateCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
