package cli

import (
	"github.com/spf13/cobra"
)

var subscribersCmd = &cobra.Command{
	Use:   "subscribers",
	Short: "List current subscribers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Subscribers(cmd.Context())
	},
}
