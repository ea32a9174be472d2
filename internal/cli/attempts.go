package cli

import (
	"github.com/spf13/cobra"

	"travel-price-alerts/internal/app"
)

var (
	attemptsAlert    int64
	attemptsStatuses []string
	attemptsLimit    int
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "List notification attempts for auditing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Attempts(cmd.Context(), app.AttemptsOptions{
			AlertID:  attemptsAlert,
			Statuses: attemptsStatuses,
			Limit:    attemptsLimit,
		})
	},
}

func init() {
	attemptsCmd.Flags().Int64Var(&attemptsAlert, "alert", 0, "Only attempts of this alert")
	attemptsCmd.Flags().StringSliceVar(&attemptsStatuses, "status", nil, "Filter by status (pending, sent, failed, abandoned)")
	attemptsCmd.Flags().IntVar(&attemptsLimit, "limit", 50, "Maximum attempts to list")
}
