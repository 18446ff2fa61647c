package cli

import (
	"github.com/spf13/cobra"
)

var syncRulesCmd = &cobra.Command{
	Use:   "sync-rules",
	Short: "Reconcile post source filter rules with active markets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SyncRules(cmd.Context())
	},
}
