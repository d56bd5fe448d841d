package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rolloutd",
	Short: "IoT fleet rollout control plane",
	Long: `rolloutd reconciles device target state against the current image
registry and policy configuration, orchestrating staged rollouts,
health-gated batch advancement, and automatic rollback.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}
