package cmd

import (
	"github.com/spf13/cobra"

	"expo/internal/logger"
)

var (
	verbose bool
	log     = logger.New()
)

var rootCmd = &cobra.Command{
	Use:   "expo",
	Short: "Expo - reliable printer dispatch coordination",
	Long: `Expo coordinates command dispatch to fleets of receipt printers.
It runs as a central coordinator daemon with circuit breaking, adaptive
timeouts and idempotent replay, or as an on-site agent that connects
printers to the coordinator over ZMQ.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(agentCmd)
}
