package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pibrain/pibrain/internal/daemon"
	"github.com/pibrain/pibrain/pkg/version"
)

// NewDaemonCommand runs the daemon in the foreground until SIGINT/SIGTERM.
func NewDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the pi-brain daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgErr := loadConfig(cmd)
			if cfgErr != nil {
				return cfgErr
			}

			d, newErr := daemon.New(daemon.Options{
				Config:  cfg,
				Version: version.Version,
			})
			if newErr != nil {
				return newErr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return d.Run(ctx)
		},
	}
}
