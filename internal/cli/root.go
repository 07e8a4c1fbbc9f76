// Package cli implements the chanopt command-line interface using Cobra.
// Each subcommand maps to one operator capability (serve, cycle, report, etc.).
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	jsonLogs   bool
	version    string
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{version: version}
	cmd := &cobra.Command{
		Use:   "chanopt",
		Short: "Channel fee and liquidity control loop",
		Long: `chanopt scores every payment channel on a schedule, decides on fee,
rebalance, or close actions, checks them against safety limits, and applies
them with snapshot and rollback. Dry-run mode logs every decision without
touching the backend.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $CHANOPT_HOME/config.toml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")
	cmd.PersistentFlags().BoolVar(&opts.jsonLogs, "json-logs", false, "log as JSON lines")

	cmd.AddCommand(
		newServeCmd(opts),
		newCycleCmd(opts),
		newReportCmd(opts),
		newQuarantineCmd(opts),
		newRevertCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
