// Package main implements nbrctl, the command-line client for neighbord.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/neighbor/internal/monitor"
	"github.com/fyrsmithlabs/neighbor/internal/session"
)

var (
	// serverURL is the base URL for the neighbord HTTP server
	serverURL string
	// timeout bounds each API request
	timeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nbrctl",
	Short: "CLI for the neighbord diagnostic daemon",
	Long: `nbrctl talks to a running neighbord: it lists diagnostic sessions,
sends fix intents and follows session events. The signatures and replay
commands also work offline against a pack or a recorded log file.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:7879", "neighbord server URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "API request timeout")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(scrubCmd)
}

func newClient() *monitor.Client {
	return monitor.NewClient(serverURL, timeout)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check neighbord health",
	Long: `Check the health status of neighbord.

Examples:
  # Check health
  nbrctl health

  # Check health on a different server
  nbrctl health --server http://10.0.0.2:7879`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	h, err := newClient().Health(commandContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server Status: %s\n", h.Status)
	fmt.Fprintf(out, "Server URL: %s\n", serverURL)
	if h.Version != "" {
		fmt.Fprintf(out, "Version: %s\n", h.Version)
	}
	fmt.Fprintf(out, "Signatures: %d (pack version %d)\n", h.Signatures, h.SignatureVersion)
	fmt.Fprintf(out, "Event subscribers: %d\n", h.Subscribers)
	states := make([]string, 0, len(h.Sessions))
	for state := range h.Sessions {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintf(out, "Sessions %s: %d\n", state, h.Sessions[session.State(state)])
	}
	return nil
}

// scrubCmd redacts sensitive values from a file or stdin
var scrubCmd = &cobra.Command{
	Use:   "scrub [file]",
	Short: "Redact sensitive values from a file or stdin",
	Long: `Redact addresses, credentials and other sensitive values using the
same rules neighbord applies before log lines reach a session.

Examples:
  # Scrub a file
  nbrctl scrub journal.txt

  # Scrub from stdin
  journalctl -b | nbrctl scrub -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScrub,
}

func runScrub(cmd *cobra.Command, args []string) error {
	var (
		content []byte
		err     error
	)
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if len(content) == 0 {
		return fmt.Errorf("no content to scrub")
	}

	resp, err := newClient().Scrub(commandContext(cmd), string(content))
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), resp.Content)
	if resp.FindingsCount > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "\n[nbrctl] Scrubbed %d value(s)\n", resp.FindingsCount)
	}
	return nil
}
