package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"travel-price-alerts/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pricewatch %s\ncommit: %s\nbuilt: %s\ngo: %s %s/%s\n",
			version.Version, version.Commit, version.BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
