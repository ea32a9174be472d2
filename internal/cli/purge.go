package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var purgeRetention time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete observations older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Purge(cmd.Context(), purgeRetention)
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeRetention, "older-than", 0, "Retention window (defaults to history.retention)")
}
