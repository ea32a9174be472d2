package cli

import (
	"github.com/spf13/cobra"

	"travel-price-alerts/internal/app"
)

var (
	simulatePrice    string
	simulateCurrency string
	simulateDryRun   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <destination>",
	Short: "注入一条模拟价格并触发告警评估",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Destination: args[0],
			Price:       simulatePrice,
			Currency:    simulateCurrency,
			Dispatch:    !simulateDryRun,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "模拟价格")
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "USD", "价格币种")
	simulateCmd.Flags().BoolVar(&simulateDryRun, "no-dispatch", false, "只评估，不投递通知")
	_ = simulateCmd.MarkFlagRequired("price")
}
