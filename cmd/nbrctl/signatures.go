package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/neighbor/internal/signature"
)

var exportFormat string

func init() {
	signaturesExportCmd.Flags().StringVar(&exportFormat, "format", "yaml", "Output format (yaml or toml)")
	signaturesCmd.AddCommand(signaturesListCmd)
	signaturesCmd.AddCommand(signaturesValidateCmd)
	signaturesCmd.AddCommand(signaturesExportCmd)
	rootCmd.AddCommand(signaturesCmd)
}

var signaturesCmd = &cobra.Command{
	Use:     "signatures",
	Aliases: []string{"sig"},
	Short:   "Inspect and validate signature packs",
}

var signaturesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the signatures neighbord has loaded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := newClient().Signatures(commandContext(cmd))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Pack version %d, %d signature(s)\n\n", resp.Version, resp.Count)
		printSignatures(out, resp.Signatures)
		return nil
	},
}

func printSignatures(w io.Writer, sigs []signature.Signature) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tRISK\tPRIORITY\tTITLE")
	for _, s := range sigs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", s.ID, s.Version, s.Risk, s.Priority, s.Title)
	}
	tw.Flush()
}

var signaturesValidateCmd = &cobra.Command{
	Use:   "validate <pack-file>",
	Short: "Check a signature pack without loading it into neighbord",
	Long: `Parse and compile every entry of a YAML or TOML signature pack.
Malformed entries are reported; the command fails if any entry is skipped.

Examples:
  nbrctl signatures validate ~/.config/neighbor/signatures.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validatePack(cmd.OutOrStdout(), args[0])
	},
}

func validatePack(w io.Writer, path string) error {
	sigs, skipped, err := signature.LoadPack(path)
	if err != nil {
		return err
	}
	store := signature.NewStore(nil)
	rejected := store.Replace(sigs)

	fmt.Fprintf(w, "%s: %d valid signature(s)\n", path, store.Len())
	for _, e := range skipped {
		fmt.Fprintf(w, "  skipped: %v\n", e)
	}
	for _, e := range rejected {
		fmt.Fprintf(w, "  rejected: %v\n", e)
	}
	if n := len(skipped) + len(rejected); n > 0 {
		return fmt.Errorf("%d invalid signature(s) in %s", n, path)
	}
	return nil
}

var signaturesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the built-in signature pack",
	Long: `Print the built-in signature pack, as a starting point for a custom
pack.

Examples:
  nbrctl signatures export > ~/.config/neighbor/signatures.yaml
  nbrctl signatures export --format toml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := signature.MarshalPack(signature.DefaultPack(), signature.Format(exportFormat))
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}
