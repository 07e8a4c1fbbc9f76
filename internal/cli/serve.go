package cli

import (
	"github.com/spf13/cobra"

	"github.com/tutu-network/chanopt/internal/daemon"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		host   string
		port   int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control loop and the operator API",
		Long: `Run a control cycle every cycle.interval and serve /health, /metrics,
and the /api operator endpoints until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := root.openDaemon(cmd, func(cfg *daemon.Config) {
				dryRunFlag(cmd, dryRun)(cfg)
				if host != "" {
					cfg.API.Host = host
				}
				if port > 0 {
					cfg.API.Port = port
				}
			})
			if err != nil {
				return err
			}
			defer d.Close()
			return d.Serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Host to listen on (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (overrides config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log decisions without calling the backend (overrides config)")
	return cmd
}
