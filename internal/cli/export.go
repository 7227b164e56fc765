package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"whale-swarm/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export realized PnL as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Earliest exit to include (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Latest exit to include (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Write a cumulative PnL chart to this path")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write the per-exit ledger to this path")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Downsample ceiling (defaults to config)")
}
