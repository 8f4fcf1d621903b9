package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "detect-engine",
		Short:        "Scheduled anomaly detection over Druid time series",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	cmd.AddCommand(
		newServeCommand(&configPath),
		newScheduleCommand(&configPath),
		newStopCommand(&configPath),
		newPeekCommand(&configPath),
		newBackfillCommand(&configPath),
	)
	return cmd
}
