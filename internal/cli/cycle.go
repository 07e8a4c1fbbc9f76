package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/chanopt/internal/app/controlloop"
)

func newCycleCmd(root *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one control cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.openDaemon(cmd, dryRunFlag(cmd, dryRun))
			if err != nil {
				return err
			}
			defer d.Close()

			sum, err := d.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return printCycle(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log decisions without calling the backend (overrides config)")
	return cmd
}

func printCycle(out io.Writer, s controlloop.CycleSummary) error {
	mode := "live"
	if s.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(out, "cycle %s (%s) finished in %s\n", s.CycleID, mode, s.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "  channels %d  scored %d  deferred %d  skipped %d  rejected %d  recorded %d\n",
		s.Channels, s.Scored, s.Deferred, s.Skipped, s.Rejected, s.Recorded)
	if len(s.ByDecision) == 0 && len(s.ByStatus) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nOUTCOME\tCOUNT")
	for _, k := range sortedKeys(s.ByDecision) {
		fmt.Fprintf(w, "%s\t%d\n", k, s.ByDecision[k])
	}
	for _, k := range sortedKeys(s.ByStatus) {
		fmt.Fprintf(w, "%s\t%d\n", k, s.ByStatus[k])
	}
	return w.Flush()
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
