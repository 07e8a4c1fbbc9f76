package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newQuarantineCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect or release quarantined channels",
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List channels excluded from automated execution",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.openDaemon(cmd, nil)
			if err != nil {
				return err
			}
			defer d.Close()

			recs := d.Rollback.Quarantined()
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No channels quarantined.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tSINCE\tSNAPSHOT\tREASON")
			for _, r := range recs {
				snap := r.SnapshotID
				if snap == "" {
					snap = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					r.ChannelID, r.StartedAt.UTC().Format("2006-01-02 15:04"), snap, r.Reason)
			}
			return w.Flush()
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear CHANNEL_ID",
		Short: "Release a channel after manual review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.openDaemon(cmd, nil)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Rollback.Clear(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}
