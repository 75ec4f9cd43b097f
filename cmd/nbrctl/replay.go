package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/neighbor/internal/classifier"
	"github.com/fyrsmithlabs/neighbor/internal/dedup"
	"github.com/fyrsmithlabs/neighbor/internal/pipeline"
	"github.com/fyrsmithlabs/neighbor/internal/remediation"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
	"github.com/fyrsmithlabs/neighbor/internal/source"
)

var (
	replayPack   string
	replayWindow time.Duration
	replayQuiet  bool
)

func init() {
	replayCmd.Flags().StringVar(&replayPack, "pack", "", "Signature pack to use (default: built-in pack)")
	replayCmd.Flags().DurationVar(&replayWindow, "dedup-window", 10*time.Minute, "Cooldown between repeated diagnoses")
	replayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "Only print the summary")
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay <records.ndjson>",
	Short: "Run recorded log records through the classifier offline",
	Long: `Replay a file of newline-delimited JSON log records through the
classifier and deduplicator without a running daemon, and print what
neighbord would have diagnosed. Nothing is executed.

Examples:
  nbrctl replay incident.ndjson
  nbrctl replay --pack ./custom.yaml --dedup-window 1m incident.ndjson`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := replay(commandContext(cmd), args[0], replayOptions{
			Pack:   replayPack,
			Window: replayWindow,
			Quiet:  replayQuiet,
		}, cmd.OutOrStdout())
		return err
	},
}

type replayOptions struct {
	Pack   string
	Window time.Duration
	Quiet  bool
}

type replaySummary struct {
	Records    int
	Diagnoses  int
	Admitted   int
	Suppressed int
	Storm      int
	BySig      map[string]int
}

func replay(ctx context.Context, path string, opts replayOptions, out io.Writer) (replaySummary, error) {
	summary := replaySummary{BySig: make(map[string]int)}

	store := signature.NewStore(nil)
	sigs := signature.DefaultPack()
	if opts.Pack != "" {
		var (
			skipped []error
			err     error
		)
		sigs, skipped, err = signature.LoadPack(opts.Pack)
		if err != nil {
			return summary, err
		}
		for _, e := range skipped {
			fmt.Fprintf(out, "warning: skipped signature: %v\n", e)
		}
	}
	for _, e := range store.Replace(sigs) {
		fmt.Fprintf(out, "warning: rejected signature: %v\n", e)
	}

	cfg := classifier.DefaultConfig()
	cls, err := classifier.New(store, nil, cfg)
	if err != nil {
		return summary, err
	}
	dcfg := dedup.DefaultConfig()
	if opts.Window > 0 {
		dcfg.Window = opts.Window
	}
	dd := dedup.New(dcfg, nil)
	defer dd.Close()

	pipe, err := pipeline.New(cls, dd, nil, pipeline.Config{
		OnResult: func(res pipeline.Result) {
			summary.Records++
			if res.Diagnosis == nil {
				return
			}
			summary.Diagnoses++
			switch res.Outcome {
			case dedup.Admitted:
				summary.Admitted++
				summary.BySig[res.Diagnosis.SignatureID]++
			case dedup.StormDrop:
				summary.Storm++
			default:
				summary.Suppressed++
			}
			if !opts.Quiet {
				printResult(out, res)
			}
		},
	})
	if err != nil {
		return summary, err
	}

	stream, err := source.NewFileSource(path).Open(ctx, "")
	if err != nil {
		return summary, err
	}
	defer stream.Close()
	for {
		rec, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("reading %s: %w", path, err)
		}
		pipe.Process(ctx, rec)
	}

	printSummary(out, summary)
	return summary, nil
}

func printResult(w io.Writer, res pipeline.Result) {
	d := res.Diagnosis
	line := fmt.Sprintf("%s  %-24s %-13s %.2f  %s",
		res.Record.Timestamp.Format(time.RFC3339), d.SignatureID, d.Method, d.Confidence, res.Outcome)
	if res.ContextKey != "" {
		line += "  " + res.ContextKey
	}
	fmt.Fprintln(w, line)
	if res.Outcome != dedup.Admitted || d.Entry == nil {
		return
	}
	if text, err := remediation.Explain(d.Entry, *d, res.ContextKey); err == nil && text != "" {
		fmt.Fprintf(w, "    %s\n", strings.Join(strings.Fields(text), " "))
	}
}

func printSummary(w io.Writer, s replaySummary) {
	fmt.Fprintf(w, "\n%d record(s), %d diagnosis(es): %d new, %d duplicate, %d storm-dropped\n",
		s.Records, s.Diagnoses, s.Admitted, s.Suppressed, s.Storm)
	ids := make([]string, 0, len(s.BySig))
	for id := range s.BySig {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  %-24s %d\n", id, s.BySig[id])
	}
}
