package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "sysmqtt",
	Short:         "sysmqtt -- MQTT bridge for systemd power and unit control",
	Long:          "sysmqtt bridges an MQTT broker and the host's logind/systemd D-Bus interfaces.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
