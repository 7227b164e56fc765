package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading swarm",
	Long: `Starts the bus, the chain poller, the detector, the scoring gate,
the consensus coordinator with its gating agents, the signal router, the
executor and the position manager, and blocks until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}
