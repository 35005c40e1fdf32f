package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"expo/internal/broker"
	"expo/internal/coordinator"
	"expo/internal/events"
	"expo/internal/logger"
	"expo/internal/monitor"
	"expo/internal/registry"
)

var (
	coordConfigPath string
	coordDBPath     string
	coordZMQAddr    string
	coordAPIAddr    string
	coordDebugFlag  bool
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Start the Expo coordinator daemon",
	Long: `The Expo coordinator is the central dispatch daemon. It accepts dispatch
requests over a REST API, routes them to registered agents via ZMQ, and
applies circuit breaking, rate limiting, adaptive timeouts and
idempotent replay so that flaky printers cannot take down a venue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadCoordinatorConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger.SetSilentMode(false)
		logger.SetLevel(config.Logging.Level)

		log := logger.New()
		log.Info().
			Str("config_file", coordConfigPath).
			Str("db_path", config.Database.Path).
			Str("zmq_address", config.Server.ZMQ.Address).
			Str("api_address", config.Server.API.Address).
			Str("log_level", config.Logging.Level).
			Msg("Starting Expo coordinator daemon")

		store, err := coordinator.NewStore(config.Database.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize store")
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		defer store.Close()

		if err := bootstrapAdminUser(store); err != nil {
			log.Error().Err(err).Msg("Failed to bootstrap admin user")
			return fmt.Errorf("failed to bootstrap admin user: %w", err)
		}

		reg := registry.NewRegistry()
		bus := events.NewBus()
		defer bus.Close()

		mon := monitor.NewMonitor(reg, bus)
		mon.SetThresholds(config.GetStaleThreshold(), config.GetCheckInterval())

		dispatcher := broker.NewDispatcher(broker.Options{
			Registry:    reg,
			Bus:         bus,
			Audit:       store,
			TargetLimit: config.Dispatch.TargetRequestsPerMinute,
			TenantLimit: config.Dispatch.TenantRequestsPerMinute,
			RateWindow:  time.Minute,
			CacheTTL:    config.GetIdempotencyTTL(),
		})
		defer dispatcher.Close()

		transport := broker.NewTransport(config.Server.ZMQ.Address, reg, dispatcher, mon, bus)
		transport.SetDirectory(store)
		dispatcher.SetSender(transport)

		apiServer := coordinator.NewAPIServer(store, dispatcher, reg, config)

		// Persist alert-worthy events so operators can review them after
		// the fact. Routine health telemetry stays on the bus only.
		alerts := bus.Subscribe(64)
		go func() {
			for event := range alerts {
				if event.Type == events.TypeHealthReport {
					continue
				}
				if err := store.RecordAlert(event); err != nil {
					log.Error().Err(err).Str("type", event.Type).Msg("Failed to persist alert")
				}
			}
		}()

		if err := transport.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start ZMQ transport")
			return fmt.Errorf("failed to start ZMQ transport: %w", err)
		}
		mon.Start()

		var wg sync.WaitGroup
		errChan := make(chan error, 1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(config.Server.API.Address); err != nil {
				errChan <- fmt.Errorf("API server error: %w", err)
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received shutdown signal")
		case err := <-errChan:
			log.Error().Err(err).Msg("Service error")
			return err
		}

		log.Info().Msg("Shutting down coordinator services")

		if err := apiServer.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
		}
		mon.Stop()
		if err := transport.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping ZMQ transport")
		}

		wg.Wait()
		log.Info().Msg("Coordinator daemon stopped")
		return nil
	},
}

var coordinatorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize coordinator with default configuration",
	Long:  `Create a default configuration file and initialize the coordinator database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := coordConfigPath
		if configPath == "" {
			configPath = "expo.yml"
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			config := coordinator.NewDefaultConfig()
			if coordDBPath != "" {
				config.Database.Path = coordDBPath
			}
			if err := coordinator.SaveConfig(config, configPath); err != nil {
				return fmt.Errorf("failed to save config file: %w", err)
			}
			cmd.Printf("Configuration file created: %s\n", configPath)
		} else {
			cmd.Printf("Configuration file already exists: %s\n", configPath)
		}

		config, err := coordinator.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		cmd.Printf("Initializing database: %s\n", config.Database.Path)
		store, err := coordinator.NewStore(config.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		if err := bootstrapAdminUser(store); err != nil {
			return fmt.Errorf("failed to create default user: %w", err)
		}

		cmd.Printf("\nCoordinator initialization complete\n")
		cmd.Printf("Start the coordinator with: expo coordinator -c %s\n", configPath)
		cmd.Printf("ZMQ address: %s\n", config.Server.ZMQ.Address)
		cmd.Printf("API address: %s\n", config.Server.API.Address)
		cmd.Printf("Health endpoint: http://localhost%s/api/v1/health\n", config.Server.API.Address)
		return nil
	},
}

var coordinatorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check coordinator daemon status",
	Long:  `Check the status of the running coordinator daemon via its HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadCoordinatorConfiguration()
		if err != nil {
			cmd.Printf("Warning: could not load configuration: %v\n", err)
			config = coordinator.NewDefaultConfig()
		}

		apiAddr := config.Server.API.Address
		if !strings.HasPrefix(apiAddr, "http://") && !strings.HasPrefix(apiAddr, "https://") {
			apiAddr = "http://localhost" + apiAddr
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(apiAddr + "/api/v1/health")
		if err != nil {
			cmd.Printf("Coordinator status: OFFLINE\n")
			cmd.Printf("Connection error: %v\n", err)
			return nil
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			cmd.Printf("Coordinator status: UNHEALTHY (HTTP %d)\n", resp.StatusCode)
			return nil
		}

		var health map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("failed to parse health response: %w", err)
		}

		cmd.Printf("Coordinator status: RUNNING\n")
		cmd.Printf("API address: %s\n", apiAddr)
		cmd.Printf("ZMQ address: %s\n", config.Server.ZMQ.Address)
		if connections, ok := health["connections"].(float64); ok {
			cmd.Printf("Connected agents: %.0f\n", connections)
		}
		if pending, ok := health["pending"].(float64); ok {
			cmd.Printf("Pending dispatches: %.0f\n", pending)
		}
		return nil
	},
}

// loadCoordinatorConfiguration loads configuration from file and applies CLI flag overrides
func loadCoordinatorConfiguration() (*coordinator.Config, error) {
	var config *coordinator.Config
	var err error

	if coordConfigPath != "" {
		if _, statErr := os.Stat(coordConfigPath); statErr == nil {
			config, err = coordinator.LoadConfig(coordConfigPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("failed to check config file: %w", statErr)
		}
	}

	if config == nil {
		config = coordinator.NewDefaultConfig()
	}

	// Apply CLI flag overrides
	if coordDBPath != "" {
		config.Database.Path = coordDBPath
	}
	if coordZMQAddr != "" {
		config.Server.ZMQ.Address = coordZMQAddr
	}
	if coordAPIAddr != "" {
		config.Server.API.Address = coordAPIAddr
	}
	if coordDebugFlag {
		config.Logging.Level = "debug"
	}

	return config, nil
}

// bootstrapAdminUser creates the initial admin account on an empty
// store. The generated password is printed once and never stored in
// the clear.
func bootstrapAdminUser(store *coordinator.Store) error {
	count, err := store.CountUsers()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return err
	}
	password := hex.EncodeToString(raw)

	passwordService := coordinator.NewPasswordService()
	hash, err := passwordService.HashPassword(password)
	if err != nil {
		return err
	}

	user, err := store.CreateUser("admin", "default", hash)
	if err != nil {
		return err
	}

	log.Info().
		Str("username", user.Username).
		Str("tenant_id", user.TenantID).
		Msg("Created initial admin user")
	fmt.Printf("Initial admin user created: %s\n", user.Username)
	fmt.Printf("Generated password: %s (change after first login)\n", password)
	return nil
}

func init() {
	coordinatorCmd.Flags().StringVarP(&coordConfigPath, "config", "c", "", "path to configuration file")
	coordinatorCmd.Flags().StringVar(&coordDBPath, "db", "", "path to SQLite database file")
	coordinatorCmd.Flags().StringVar(&coordZMQAddr, "zmq-addr", "", "ZMQ bind address for agent connections")
	coordinatorCmd.Flags().StringVar(&coordAPIAddr, "api-addr", "", "HTTP API listen address")
	coordinatorCmd.Flags().BoolVar(&coordDebugFlag, "debug", false, "enable debug logging")

	coordinatorInitCmd.Flags().StringVarP(&coordConfigPath, "config", "c", "", "path to configuration file")
	coordinatorInitCmd.Flags().StringVar(&coordDBPath, "db", "", "path to SQLite database file")

	coordinatorStatusCmd.Flags().StringVarP(&coordConfigPath, "config", "c", "", "path to configuration file")
	coordinatorStatusCmd.Flags().StringVar(&coordAPIAddr, "api-addr", "", "HTTP API address to check")

	coordinatorCmd.AddCommand(coordinatorInitCmd)
	coordinatorCmd.AddCommand(coordinatorStatusCmd)
}
