package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"travel-price-alerts/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export <destination>",
	Short: "Export price history of a destination to CSV and/or a PNG chart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}
		return getApp().Export(cmd.Context(), app.ExportOptions{
			Destination: args[0],
			From:        from,
			To:          to,
			PNGPath:     exportPNGPath,
			CSVPath:     exportCSVPath,
			MaxPoints:   exportMaxPoints,
		})
	},
}

// parseTimeFlag accepts RFC3339 or a bare UTC date. Empty yields nil.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or YYYY-MM-DD", name, value)
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start, RFC3339 or YYYY-MM-DD (inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Window end, RFC3339 or YYYY-MM-DD (exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Write a PNG price chart with alert thresholds")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write observations as CSV")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Downsample to at most this many points (defaults to export.max_data_points)")
}
