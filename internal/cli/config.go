package cli

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tutu-network/chanopt/internal/daemon"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var printConfig bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration without starting the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if printConfig {
				return toml.NewEncoder(out).Encode(redact(cfg))
			}
			path := root.configPath
			if path == "" {
				path = daemon.ConfigPath()
			}
			mode := "live"
			if cfg.DryRun {
				mode = "dry-run"
			}
			fmt.Fprintf(out, "config OK (%s, %s mode, store %s, backend %s)\n",
				path, mode, cfg.Store.Driver, cfg.Backend.Kind)
			return nil
		},
	}
	check.Flags().BoolVar(&printConfig, "print", false, "Print the effective configuration as TOML")

	cmd.AddCommand(check)
	return cmd
}

// redact hides credentials in printed configuration.
func redact(cfg daemon.Config) daemon.Config {
	if cfg.Backend.Token != "" {
		cfg.Backend.Token = "<redacted>"
	}
	if cfg.Store.DSN != "" {
		cfg.Store.DSN = "<redacted>"
	}
	return cfg
}
