package printer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"expo/internal/logger"
	"expo/internal/protocol"
)

// ESC/POS control sequences
var (
	escInit       = []byte{0x1b, 0x40}
	escCut        = []byte{0x1d, 0x56, 0x41, 0x10}
	escFeed       = []byte{0x1b, 0x64, 0x03}
	dleEotStatus  = []byte{0x10, 0x04, 0x01}
	dleEotPaper   = []byte{0x10, 0x04, 0x04}
	drawerKickPin2 = []byte{0x1b, 0x70, 0x00, 0x19, 0xfa}
	drawerKickPin5 = []byte{0x1b, 0x70, 0x01, 0x19, 0xfa}
)

// EscposPrinter drives a network ESC/POS printer over its raw TCP port,
// usually 9100. Each operation opens a fresh connection; receipt
// printers drop idle sockets aggressively.
type EscposPrinter struct {
	targetID string
	model    string
	address  string
	timeout  time.Duration
	log      zerolog.Logger
}

// NewEscposPrinter creates a driver for one network printer
func NewEscposPrinter(targetID, model, address string) *EscposPrinter {
	return &EscposPrinter{
		targetID: targetID,
		model:    model,
		address:  address,
		timeout:  5 * time.Second,
		log:      logger.Component("escpos").With().Str("target_id", targetID).Logger(),
	}
}

// Info describes the printer for registration.
func (p *EscposPrinter) Info() protocol.PrinterInfo {
	return protocol.PrinterInfo{
		TargetID:     p.targetID,
		Model:        p.model,
		Address:      p.address,
		Capabilities: []string{OpPrintTest, OpPrintJob, OpPrinterStatus, OpDrawerKick},
	}
}

// Execute runs one operation against the printer.
func (p *EscposPrinter) Execute(ctx context.Context, operationType string, payload json.RawMessage) (json.RawMessage, error) {
	if err := ValidatePayload(operationType, payload); err != nil {
		return nil, err
	}

	switch operationType {
	case OpPrintTest:
		var req TestPrintPayload
		json.Unmarshal(payload, &req)
		return p.printTest(ctx, &req)
	case OpPrintJob:
		var req PrintJobPayload
		json.Unmarshal(payload, &req)
		return p.printJob(ctx, &req)
	case OpPrinterStatus:
		var req StatusPayload
		json.Unmarshal(payload, &req)
		return p.status(ctx, &req)
	case OpDrawerKick:
		var req DrawerKickPayload
		json.Unmarshal(payload, &req)
		return p.drawerKick(ctx, &req)
	default:
		return nil, fmt.Errorf("unknown operation: %s", operationType)
	}
}

func (p *EscposPrinter) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return nil, fmt.Errorf("printer offline: %w", err)
	}
	conn.SetDeadline(time.Now().Add(p.timeout))
	return conn, nil
}

func (p *EscposPrinter) printTest(ctx context.Context, req *TestPrintPayload) (json.RawMessage, error) {
	message := req.Message
	if message == "" {
		message = "EXPO TEST PAGE"
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var buf []byte
	buf = append(buf, escInit...)
	buf = append(buf, []byte(message+"\n")...)
	buf = append(buf, []byte(time.Now().Format(time.RFC3339)+"\n")...)
	buf = append(buf, escFeed...)
	buf = append(buf, escCut...)

	if _, err := conn.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write to printer: %w", err)
	}

	p.log.Info().Msg("Test page printed")
	return json.RawMessage(`{"status":"printed"}`), nil
}

func (p *EscposPrinter) printJob(ctx context.Context, req *PrintJobPayload) (json.RawMessage, error) {
	content := []byte(req.Content)
	if req.Format != "text" {
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return nil, fmt.Errorf("malformed payload: content is not valid base64: %w", err)
		}
		content = decoded
	}

	copies := req.Copies
	if copies == 0 {
		copies = 1
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	for i := 0; i < copies; i++ {
		var buf []byte
		buf = append(buf, escInit...)
		buf = append(buf, content...)
		buf = append(buf, escFeed...)
		if req.CutAfter {
			buf = append(buf, escCut...)
		}

		if _, err := conn.Write(buf); err != nil {
			return nil, fmt.Errorf("failed to write to printer: %w", err)
		}
	}

	p.log.Info().
		Int("copies", copies).
		Str("format", req.Format).
		Int("bytes", len(content)).
		Msg("Print job sent")

	result, _ := json.Marshal(map[string]interface{}{
		"status": "printed",
		"copies": copies,
	})
	return result, nil
}

func (p *EscposPrinter) status(ctx context.Context, req *StatusPayload) (json.RawMessage, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	statusByte, err := p.queryStatus(conn, dleEotStatus)
	if err != nil {
		return nil, err
	}

	// Bit 3 of the transmit-status byte is set while the printer is
	// offline.
	status := map[string]interface{}{
		"online": statusByte&0x08 == 0,
	}

	if req.Detailed {
		paperByte, err := p.queryStatus(conn, dleEotPaper)
		if err != nil {
			return nil, err
		}
		// Bits 5-6 of the paper sensor status report near-end and
		// end-of-roll.
		status["paper_low"] = paperByte&0x0c != 0
		status["paper_out"] = paperByte&0x60 != 0
	}

	result, _ := json.Marshal(status)
	return result, nil
}

// queryStatus sends a DLE EOT real-time status request and reads the
// single status byte back.
func (p *EscposPrinter) queryStatus(conn net.Conn, query []byte) (byte, error) {
	if _, err := conn.Write(query); err != nil {
		return 0, fmt.Errorf("failed to query printer status: %w", err)
	}

	reply := make([]byte, 1)
	if _, err := conn.Read(reply); err != nil {
		return 0, fmt.Errorf("printer did not answer status query: %w", err)
	}
	return reply[0], nil
}

func (p *EscposPrinter) drawerKick(ctx context.Context, req *DrawerKickPayload) (json.RawMessage, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	pulse := drawerKickPin2
	if req.Pin == 5 {
		pulse = drawerKickPin5
	}

	if _, err := conn.Write(pulse); err != nil {
		return nil, fmt.Errorf("failed to kick drawer: %w", err)
	}

	p.log.Info().Int("pin", req.Pin).Msg("Drawer kicked")
	return json.RawMessage(`{"status":"kicked"}`), nil
}
