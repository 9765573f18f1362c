package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ardnew/softotg/host/scenario"
)

var quiet bool

var runCmd = &cobra.Command{
	Use:   "run <scenario-file>...",
	Short: "Run scenario scripts",
	Long: `Run each scenario script against a fresh controller and print a
summary of its named requests. The command fails if any script fails.

Examples:
  otgsim run host/scenario/testdata/dma_in.otg
  otgsim run -q host/scenario/testdata/*.otg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScenarios,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false,
		"print only the pass/fail line of each script")
}

func runScenarios(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	var failed []error
	for _, file := range args {
		results, err := scenario.RunFile(file)
		status := "ok"
		if err != nil {
			status = "FAIL"
			failed = append(failed, err)
		}
		fmt.Fprintf(out, "%-4s %s\n", status, file)
		if err != nil {
			fmt.Fprintf(out, "     %v\n", err)
		}
		if !quiet && len(results) > 0 {
			printResults(out, results)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d scenarios failed: %w", len(failed), len(args), errors.Join(failed...))
	}
	return nil
}

func printResults(w io.Writer, results []scenario.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "     REQUEST\tHANDLE\tENDPOINT\tLENGTH\tSTATE\tSTATUS\tACTUAL")
	for _, r := range results {
		status := "-"
		if r.Done {
			status = r.Status.String()
		} else if r.Rejected {
			status = r.Err.Error()
		}
		fmt.Fprintf(tw, "     %s\t%v\t%#02x\t%d\t%s\t%s\t%d\n",
			r.Name, r.Handle, r.Endpoint, r.Length, r.StateName(), status, r.Actual)
	}
	tw.Flush()
}
