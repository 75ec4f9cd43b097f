package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/neighbor/internal/monitor"
	"github.com/fyrsmithlabs/neighbor/internal/session"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
)

var (
	listAll       bool
	assumeYes     bool
	dryRun        bool
	eventsSession string
	watchInterval time.Duration
)

func init() {
	sessionsListCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include closed sessions")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)

	fixCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Run the fix without prompting (destructive fixes still ask)")
	fixCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Stage the fix and show the command without running it")

	eventsCmd.Flags().StringVar(&eventsSession, "session", "", "Only follow this session")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Refresh interval")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(intentCommand("confirm", session.IntentConfirmDestructive,
		"Approve a staged destructive fix"))
	rootCmd.AddCommand(intentCommand("execute", session.IntentExecute,
		"Run a staged, approved fix"))
	rootCmd.AddCommand(intentCommand("abandon", session.IntentAbandon,
		"Dismiss a session without running anything"))
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(watchCmd)
}

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Inspect diagnostic sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open sessions",
	Long: `List diagnostic sessions. Closed sessions are hidden unless --all is set.

Examples:
  nbrctl sessions list
  nbrctl sessions list --all`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sessions, err := newClient().Sessions(commandContext(cmd), !listAll)
		if err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), sessions, time.Now())
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session with its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newClient().Session(commandContext(cmd), args[0])
		if err != nil {
			return err
		}
		printSession(cmd.OutOrStdout(), s)
		return nil
	},
}

func printSessions(w io.Writer, sessions []session.Session, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions. All quiet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tRISK\tAGE\tTITLE")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.State, s.Risk, monitor.FormatAge(now.Sub(s.CreatedAt)), monitor.Truncate(s.Title, 60))
	}
	tw.Flush()
}

func printSession(w io.Writer, s session.Session) {
	fmt.Fprintf(w, "%s\n", s.Title)
	fmt.Fprintf(w, "  ID:        %s\n", s.ID)
	fmt.Fprintf(w, "  State:     %s\n", s.State)
	fmt.Fprintf(w, "  Status:    %s\n", s.Status)
	fmt.Fprintf(w, "  Signature: %s\n", s.Key.SignatureID)
	if s.Key.ContextKey != "" {
		fmt.Fprintf(w, "  Context:   %s\n", s.Key.ContextKey)
	}
	fmt.Fprintf(w, "  Risk:      %s\n", s.Risk)
	if s.Outcome != "" {
		fmt.Fprintf(w, "  Outcome:   %s\n", s.Outcome)
	}
	if s.Explanation != "" {
		fmt.Fprintf(w, "\n%s\n", s.Explanation)
	}
	if s.Action != nil {
		fmt.Fprintf(w, "\nFix: %s\n", s.Action.Label)
		if s.Action.Command != "" {
			fmt.Fprintf(w, "  $ %s\n", s.Action.Command)
		}
		if r := s.Action.Result; r != nil {
			fmt.Fprintf(w, "  Exit code: %d\n", r.ExitCode)
			if r.Error != "" {
				fmt.Fprintf(w, "  Error: %s\n", r.Error)
			}
			if out := strings.TrimSpace(r.Stdout); out != "" {
				fmt.Fprintf(w, "  Output:\n%s\n", indent(out, "    "))
			}
			if errOut := strings.TrimSpace(r.Stderr); errOut != "" {
				fmt.Fprintf(w, "  Errors:\n%s\n", indent(errOut, "    "))
			}
		}
	}
	if len(s.History) > 0 {
		fmt.Fprintln(w, "\nHistory:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, tr := range s.History {
			from := string(tr.From)
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(tw, "  %s\t%s -> %s\t%s\n", tr.At.Format(time.TimeOnly), from, tr.To, tr.Reason)
		}
		tw.Flush()
	}
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

// intentCommand builds a command that sends one intent kind.
func intentCommand(use string, kind session.IntentKind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().Submit(commandContext(cmd), args[0], kind)
			if err != nil {
				return intentError(kind, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", s.ID, s.Status, s.State)
			return nil
		},
	}
}

func intentError(kind session.IntentKind, err error) error {
	var apiErr *monitor.APIError
	if errors.As(err, &apiErr) && apiErr.Session != nil {
		return fmt.Errorf("%s refused: %s (session is %s)", kind, apiErr.Message, apiErr.Session.State)
	}
	return fmt.Errorf("%s failed: %w", kind, err)
}

var fixCmd = &cobra.Command{
	Use:   "fix <session-id>",
	Short: "Prepare, approve and run the fix for a session",
	Long: `Walk a session through its fix: prepare the command, show it, ask
before running it, then follow the session until the result is known.

Destructive fixes always require typing "yes", even with --yes.

Examples:
  # Interactive
  nbrctl fix 7f0c2a9e

  # Only stage the command and print it
  nbrctl fix 7f0c2a9e --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFix(commandContext(cmd), newClient(), args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runFix(ctx context.Context, client *monitor.Client, id string, in io.Reader, out io.Writer) error {
	s, err := client.Submit(ctx, id, session.IntentRequestFix)
	if err != nil {
		return intentError(session.IntentRequestFix, err)
	}
	if s.Action == nil {
		return fmt.Errorf("session %s has no fix to run", id)
	}

	fmt.Fprintf(out, "%s\n\n", s.Title)
	if s.Explanation != "" {
		fmt.Fprintf(out, "%s\n\n", s.Explanation)
	}
	fmt.Fprintf(out, "Fix: %s\n  $ %s\n\n", s.Action.Label, s.Action.Command)
	if dryRun {
		fmt.Fprintln(out, "Dry run: the fix is staged but was not run.")
		return nil
	}

	reader := bufio.NewReader(in)
	if s.Risk == signature.RiskDestructive {
		fmt.Fprint(out, "This fix is destructive. Type \"yes\" to approve it: ")
		if answer(reader) != "yes" {
			fmt.Fprintln(out, "Not approved. The session stays staged.")
			return nil
		}
		if _, err := client.Submit(ctx, id, session.IntentConfirmDestructive); err != nil {
			return intentError(session.IntentConfirmDestructive, err)
		}
	} else if !assumeYes {
		fmt.Fprint(out, "Run this command? [y/N]: ")
		if a := answer(reader); a != "y" && a != "yes" {
			fmt.Fprintln(out, "Not run. The session stays staged.")
			return nil
		}
	}

	// Subscribe before executing so no transition is missed.
	stream, err := client.Subscribe(ctx, id)
	if err != nil {
		return err
	}
	defer stream.Close()

	if _, err := client.Submit(ctx, id, session.IntentExecute); err != nil {
		return intentError(session.IntentExecute, err)
	}
	fmt.Fprintln(out, "Running...")
	return followUntilClosed(stream, id, out)
}

func answer(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	return strings.ToLower(strings.TrimSpace(line))
}

var errClosed = errors.New("session closed")

// followUntilClosed prints the session's events until it reaches a
// terminal state, and fails unless that state is resolved.
func followUntilClosed(stream *monitor.EventStream, id string, out io.Writer) error {
	var final session.Event
	err := stream.Each(func(ev session.Event) error {
		fmt.Fprintf(out, "  %s: %s\n", ev.State, ev.Status)
		if ev.State.Terminal() {
			final = ev
			return errClosed
		}
		return nil
	})
	if err != nil && !errors.Is(err, errClosed) {
		return err
	}
	if !final.State.Terminal() {
		return fmt.Errorf("event stream ended before session %s closed", id)
	}
	if final.Result != nil && final.Result.ExitCode != 0 {
		fmt.Fprintf(out, "Command exited with code %d.\n", final.Result.ExitCode)
	}
	if final.State != session.StateResolved {
		return fmt.Errorf("session %s ended %s", id, final.State)
	}
	return nil
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow session lifecycle events",
	Long: `Stream session lifecycle events as they happen. With --session the
stream ends when that session closes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		return newClient().Events(commandContext(cmd), eventsSession, func(ev session.Event) error {
			printEvent(out, ev)
			return nil
		})
	},
}

func printEvent(w io.Writer, ev session.Event) {
	fmt.Fprintf(w, "%s  %-10s  %s  %s\n", ev.At.Format(time.TimeOnly), ev.State, ev.SessionID, ev.Title)
	if ev.Status != "" {
		fmt.Fprintf(w, "    %s\n", ev.Status)
	}
	if ev.CommandPreview != "" && ev.State == session.StateStaged {
		fmt.Fprintf(w, "    $ %s\n", ev.CommandPreview)
	}
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Interactive session dashboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		model := monitor.NewModel(newClient(), watchInterval)
		_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
		return err
	},
}
