package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"expo/internal/agent"
	"expo/internal/logger"
)

var (
	agentConfigPath string
	agentDebugFlag  bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the Expo agent daemon",
	Long: `The Expo agent runs on-site next to the printers. It connects to the
coordinator over ZMQ, registers the printers it drives, executes the
commands it receives and reports health until shut down. Lost
connections are re-established with exponential backoff.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.SetSilentMode(false)
		if agentDebugFlag {
			logger.SetLevel("debug")
		} else {
			logger.SetLevel("info")
		}

		log := logger.New()
		log.Info().
			Str("config_path", agentConfigPath).
			Bool("debug", agentDebugFlag).
			Msg("Starting Expo agent daemon")

		// Check if config file exists
		if _, err := os.Stat(agentConfigPath); os.IsNotExist(err) {
			defaultConfig := agent.NewDefaultConfig()
			if err := agent.SaveConfig(defaultConfig, agentConfigPath); err != nil {
				log.Error().Err(err).Msg("Failed to create default config file")
				return fmt.Errorf("failed to create default config file: %w", err)
			}
			log.Info().
				Str("config_path", agentConfigPath).
				Msg("Created default configuration file. Please edit it with your settings.")
			return nil
		}

		config, err := agent.LoadConfig(agentConfigPath)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load agent config")
			return fmt.Errorf("failed to load agent config: %w", err)
		}

		a := agent.NewAgent(
			config.Coordinator.Endpoint,
			config.Agent.DeviceID,
			config.Agent.TenantID,
			config.Agent.Role,
			config.BuildPrinters(),
		)

		if err := a.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start agent")
			return fmt.Errorf("failed to start agent: %w", err)
		}

		log.Info().
			Str("device_id", config.Agent.DeviceID).
			Str("coordinator", config.Coordinator.Endpoint).
			Int("printers", len(config.Printers)).
			Msg("Agent running")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan

		log.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")

		if err := a.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping agent")
		}

		log.Info().Msg("Agent daemon stopped")
		return nil
	},
}

func init() {
	agentCmd.Flags().StringVarP(&agentConfigPath, "config", "c", "agent.yml", "path to agent configuration file")
	agentCmd.Flags().BoolVar(&agentDebugFlag, "debug", false, "enable debug logging")
}
