package printer

import (
	"context"
	"encoding/json"
	"fmt"

	"expo/internal/protocol"
)

// Operation types an agent can execute against a printer.
const (
	OpPrintTest     = "print.test"
	OpPrintJob      = "print.job"
	OpPrinterStatus = "printer.status"
	OpDrawerKick    = "drawer.kick"
)

// Printer executes operations against one physical or virtual device.
type Printer interface {
	// Execute runs one operation and returns its JSON result.
	Execute(ctx context.Context, operationType string, payload json.RawMessage) (json.RawMessage, error)
	// Info describes the printer for registration.
	Info() protocol.PrinterInfo
}

// TestPrintPayload is the payload for print.test
type TestPrintPayload struct {
	Message string `json:"message,omitempty"`
}

// Validate checks the payload against its operation's constraints
func (p *TestPrintPayload) Validate() error {
	if len(p.Message) > 512 {
		return fmt.Errorf("validation failed: message exceeds 512 characters")
	}
	return nil
}

// PrintJobPayload is the payload for print.job
type PrintJobPayload struct {
	// Content is the raw document to print, base64 for binary formats
	Content string `json:"content"`
	// Format is one of "text", "escpos" or "image"
	Format string `json:"format"`
	Copies int    `json:"copies,omitempty"`
	CutAfter bool `json:"cut_after,omitempty"`
}

func (p *PrintJobPayload) Validate() error {
	if p.Content == "" {
		return fmt.Errorf("validation failed: content is required")
	}
	switch p.Format {
	case "text", "escpos", "image":
	default:
		return fmt.Errorf("validation failed: unsupported format %q", p.Format)
	}
	if p.Copies < 0 || p.Copies > 10 {
		return fmt.Errorf("validation failed: copies must be between 0 and 10")
	}
	return nil
}

// StatusPayload is the payload for printer.status
type StatusPayload struct {
	// Detailed requests paper and cover sensors in addition to the
	// basic online flag
	Detailed bool `json:"detailed,omitempty"`
}

func (p *StatusPayload) Validate() error { return nil }

// DrawerKickPayload is the payload for drawer.kick
type DrawerKickPayload struct {
	// Pin selects the drawer connector, 2 or 5 on most ESC/POS boards
	Pin int `json:"pin,omitempty"`
}

func (p *DrawerKickPayload) Validate() error {
	if p.Pin != 0 && p.Pin != 2 && p.Pin != 5 {
		return fmt.Errorf("validation failed: drawer pin must be 2 or 5")
	}
	return nil
}

// ValidatePayload parses and validates a payload for an operation type.
func ValidatePayload(operationType string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var target interface{ Validate() error }
	switch operationType {
	case OpPrintTest:
		target = &TestPrintPayload{}
	case OpPrintJob:
		target = &PrintJobPayload{}
	case OpPrinterStatus:
		target = &StatusPayload{}
	case OpDrawerKick:
		target = &DrawerKickPayload{}
	default:
		return fmt.Errorf("unknown operation: %s", operationType)
	}

	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return target.Validate()
}
