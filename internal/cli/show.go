package cli

import (
	"github.com/spf13/cobra"

	"pulsemarket/internal/app"
)

var showLimit int

var showCmd = &cobra.Command{
	Use:   "show <market-id>",
	Short: "Print market state and recent probability snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{
			MarketID: args[0],
			Limit:    showLimit,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Maximum number of snapshots to display")
}
