package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"travel-price-alerts/internal/app"
)

var (
	alertOwner     int64
	alertThreshold string
	alertDirection string
	alertChannel   string
	alertCooldown  time.Duration
	alertInactive  bool
	alertListDest  string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage price alerts",
}

var alertsAddCmd = &cobra.Command{
	Use:   "add <destination>",
	Short: "Create a price alert on a destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AddAlert(cmd.Context(), app.AlertInput{
			OwnerID:     alertOwner,
			Destination: args[0],
			Threshold:   alertThreshold,
			Direction:   alertDirection,
			Channel:     alertChannel,
			Cooldown:    alertCooldown,
			Inactive:    alertInactive,
		})
	},
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context(), alertListDest)
	},
}

var alertsToggleCmd = &cobra.Command{
	Use:   "toggle <alert-id> <on|off>",
	Short: "Activate or deactivate an alert",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var active bool
		switch args[1] {
		case "on", "true", "active":
			active = true
		case "off", "false", "inactive":
			active = false
		default:
			return fmt.Errorf("state must be on or off, got %q", args[1])
		}
		return getApp().ToggleAlert(cmd.Context(), id, active)
	},
}

var alertsRemoveCmd = &cobra.Command{
	Use:   "rm <alert-id>",
	Short: "Delete an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return getApp().RemoveAlert(cmd.Context(), id)
	},
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", v)
	}
	return id, nil
}

func init() {
	alertsAddCmd.Flags().Int64Var(&alertOwner, "owner", 0, "Owner id of the alert")
	alertsAddCmd.Flags().StringVar(&alertThreshold, "threshold", "", "Threshold price")
	alertsAddCmd.Flags().StringVar(&alertDirection, "direction", "below", "Fire when the price goes below or above the threshold")
	alertsAddCmd.Flags().StringVar(&alertChannel, "channel", "email", "Notification channel (email, sms, push, telegram)")
	alertsAddCmd.Flags().DurationVar(&alertCooldown, "cooldown", 24*time.Hour, "Minimum time between two notifications")
	alertsAddCmd.Flags().BoolVar(&alertInactive, "inactive", false, "Create the alert deactivated")
	_ = alertsAddCmd.MarkFlagRequired("owner")
	_ = alertsAddCmd.MarkFlagRequired("threshold")

	alertsListCmd.Flags().StringVar(&alertListDest, "destination", "", "Only alerts of this destination")

	alertsCmd.AddCommand(alertsAddCmd, alertsListCmd, alertsToggleCmd, alertsRemoveCmd)
}
