package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRevertCmd(root *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "revert CHANNEL_ID",
		Short: "Restore a channel's most recent fee snapshot",
		Long: `Restore the latest stored fee policy snapshot of a channel with the
executor's retry and backoff. The restore is not blocked by an open circuit
breaker. In dry-run mode the command refuses unless --force is given.

This command runs its own executor. While a daemon is running, use
POST /api/revert/CHANNEL_ID instead so the restore is serialized with the
daemon's in-flight changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.openDaemon(cmd, nil)
			if err != nil {
				return err
			}
			defer d.Close()

			rec, err := d.Executor.Revert(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reverted %s to snapshot %s (%s after %d attempts)\n",
				rec.ChannelID, rec.SnapshotID, rec.Status, rec.AttemptCount)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "write to the backend even in dry-run mode")
	return cmd
}
