package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sysmqtt/sysmqtt/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sysmqtt %s (commit: %s, built: %s, go: %s)\n",
			version.Version, version.Commit, version.Date, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
