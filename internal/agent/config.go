package agent

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"expo/internal/printer"
)

// Config represents the agent configuration structure
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Agent       IdentityConfig    `yaml:"agent"`
	Printers    []PrinterConfig   `yaml:"printers"`
}

// CoordinatorConfig contains coordinator connection settings
type CoordinatorConfig struct {
	Endpoint string `yaml:"endpoint"` // ZMQ endpoint (required)
}

// IdentityConfig contains the agent identity
type IdentityConfig struct {
	DeviceID string `yaml:"device_id"`
	TenantID string `yaml:"tenant_id"`
	Role     string `yaml:"role"`
}

// PrinterConfig represents a single printer attached to this agent
type PrinterConfig struct {
	TargetID string `yaml:"target_id"`
	Type     string `yaml:"type"` // escpos or mock
	Model    string `yaml:"model"`
	Address  string `yaml:"address"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Coordinator.Endpoint == "" {
		return fmt.Errorf("coordinator.endpoint is required")
	}
	if c.Agent.DeviceID == "" {
		return fmt.Errorf("agent.device_id is required")
	}
	if c.Agent.TenantID == "" {
		return fmt.Errorf("agent.tenant_id is required")
	}

	if len(c.Printers) == 0 {
		return fmt.Errorf("at least one printer must be configured")
	}

	targetIDs := make(map[string]bool)
	for i, p := range c.Printers {
		if p.TargetID == "" {
			return fmt.Errorf("printer[%d].target_id is required", i)
		}
		if targetIDs[p.TargetID] {
			return fmt.Errorf("duplicate printer target ID: %s", p.TargetID)
		}
		targetIDs[p.TargetID] = true

		switch p.Type {
		case "escpos":
			if p.Address == "" {
				return fmt.Errorf("printer[%d].address is required for escpos printers", i)
			}
		case "mock":
		default:
			return fmt.Errorf("printer[%d].type must be escpos or mock, got %q", i, p.Type)
		}
	}

	return nil
}

// BuildPrinters constructs the printer drivers described by the config
func (c *Config) BuildPrinters() []printer.Printer {
	printers := make([]printer.Printer, 0, len(c.Printers))
	for _, p := range c.Printers {
		switch p.Type {
		case "mock":
			printers = append(printers, printer.NewMockPrinter(p.TargetID))
		default:
			printers = append(printers, printer.NewEscposPrinter(p.TargetID, p.Model, p.Address))
		}
	}
	return printers
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultConfig creates a starter configuration with a generated
// device ID and a single example printer.
func NewDefaultConfig() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Endpoint: "tcp://localhost:5555",
		},
		Agent: IdentityConfig{
			DeviceID: "agent-" + uuid.NewString()[:8],
			TenantID: "default",
			Role:     "expo",
		},
		Printers: []PrinterConfig{
			{
				TargetID: "printer-1",
				Type:     "escpos",
				Model:    "TM-T88V",
				Address:  "192.168.1.100:9100",
			},
		},
	}
}
