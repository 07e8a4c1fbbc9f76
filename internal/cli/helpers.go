package cli

import (
	"github.com/spf13/cobra"

	"github.com/tutu-network/chanopt/internal/daemon"
)

// loadConfig reads the config file and applies the persistent flag overrides.
func (o *rootOptions) loadConfig() (daemon.Config, error) {
	cfg, err := daemon.LoadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.jsonLogs {
		cfg.Logging.JSON = true
	}
	return cfg, nil
}

// openDaemon loads config, lets the command adjust it, and wires a daemon.
// Logs go to the command's stderr.
func (o *rootOptions) openDaemon(cmd *cobra.Command, adjust func(*daemon.Config)) (*daemon.Daemon, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := daemon.NewLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		return nil, err
	}
	return daemon.New(cmd.Context(), cfg, logger, o.version)
}

// dryRunFlag applies --dry-run only when the user set it.
func dryRunFlag(cmd *cobra.Command, value bool) func(*daemon.Config) {
	return func(cfg *daemon.Config) {
		if cmd.Flags().Changed("dry-run") {
			cfg.DryRun = value
		}
	}
}
