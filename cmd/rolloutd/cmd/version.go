package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"fleetd.sh/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of rolloutd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rolloutd version %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.CommitSHA)
		fmt.Printf("  built: %s\n", version.BuildTime)
		fmt.Printf("  go: %s\n", runtime.Version())
		fmt.Printf("  os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}
