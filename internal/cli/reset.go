package cli

import (
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the stored snapshot so the next check bootstraps",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reset(cmd.Context())
	},
}
