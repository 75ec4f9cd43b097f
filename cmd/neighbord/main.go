// Neighbord watches the system log, diagnoses known failure patterns and
// walks the user through fixing them.
//
// Configuration comes from ~/.config/neighbor/config.yaml and NEIGHBOR_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Follow the journal with defaults
//	neighbord
//
//	# Replay-style run against an NDJSON file without persistent state
//	NEIGHBOR_SOURCE_KIND=file NEIGHBOR_SOURCE_PATH=./records.ndjson \
//	NEIGHBOR_STATE_IN_MEMORY=true neighbord serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "neighbord",
	Short: "Log-stream diagnostic daemon",
	Long: `neighbord follows the system log, matches records against a signature
pack and opens a diagnostic session for every problem it recognises.
Sessions are exposed over HTTP (and optionally NATS) so a client can
request, confirm and execute the suggested fix.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.config/neighbor/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "neighbord by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}

func runServe(cmd *cobra.Command, _ []string) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, configPath)
}
