package cli

import (
	"time"

	"github.com/spf13/cobra"

	"travel-price-alerts/internal/app"
)

var (
	destRoute     string
	destSource    string
	destInterval  time.Duration
	destUntracked bool
	destAll       bool
)

var destinationsCmd = &cobra.Command{
	Use:     "destinations",
	Aliases: []string{"dest"},
	Short:   "Manage tracked destinations",
}

var destinationsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register or update a destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AddDestination(cmd.Context(), app.DestinationInput{
			Name:         args[0],
			RouteKey:     destRoute,
			Source:       destSource,
			PollInterval: destInterval,
			Untracked:    destUntracked,
		})
	},
}

var destinationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List destinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListDestinations(cmd.Context(), !destAll)
	},
}

var destinationsRemoveCmd = &cobra.Command{
	Use:   "rm <destination>",
	Short: "Stop tracking a destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RemoveDestination(cmd.Context(), args[0])
	},
}

func init() {
	destinationsAddCmd.Flags().StringVar(&destRoute, "route", "", "Route key passed to the price source, e.g. LAX-sky/JFK-sky")
	destinationsAddCmd.Flags().StringVar(&destSource, "source", "", "Price source (defaults to sources.default)")
	destinationsAddCmd.Flags().DurationVar(&destInterval, "interval", 0, "Poll interval (defaults to scheduler.default_interval)")
	destinationsAddCmd.Flags().BoolVar(&destUntracked, "untracked", false, "Register without scheduling fetches")
	_ = destinationsAddCmd.MarkFlagRequired("route")

	destinationsListCmd.Flags().BoolVar(&destAll, "all", false, "Include untracked destinations")

	destinationsCmd.AddCommand(destinationsAddCmd, destinationsListCmd, destinationsRemoveCmd)
}
