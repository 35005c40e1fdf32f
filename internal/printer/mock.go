package printer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"expo/internal/protocol"
)

// MockPrinter is an in-memory printer for development and tests. It
// validates payloads like a real driver and can be told to fail or
// stall to exercise the coordinator's failure handling.
type MockPrinter struct {
	targetID string

	mutex    sync.Mutex
	executed []string
	failWith error
	delay    time.Duration
}

// NewMockPrinter creates a mock printer
func NewMockPrinter(targetID string) *MockPrinter {
	return &MockPrinter{targetID: targetID}
}

// FailWith makes every subsequent Execute return err. A nil err
// restores normal behavior.
func (p *MockPrinter) FailWith(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.failWith = err
}

// Delay makes every subsequent Execute sleep first.
func (p *MockPrinter) Delay(d time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.delay = d
}

// Executed returns the operation types executed so far.
func (p *MockPrinter) Executed() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	out := make([]string, len(p.executed))
	copy(out, p.executed)
	return out
}

// Info describes the printer for registration.
func (p *MockPrinter) Info() protocol.PrinterInfo {
	return protocol.PrinterInfo{
		TargetID:     p.targetID,
		Model:        "MOCK-1",
		Address:      "mock",
		Capabilities: []string{OpPrintTest, OpPrintJob, OpPrinterStatus, OpDrawerKick},
	}
}

// Execute validates the payload and records the operation.
func (p *MockPrinter) Execute(ctx context.Context, operationType string, payload json.RawMessage) (json.RawMessage, error) {
	if err := ValidatePayload(operationType, payload); err != nil {
		return nil, err
	}

	p.mutex.Lock()
	failWith := p.failWith
	delay := p.delay
	p.mutex.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if failWith != nil {
		return nil, failWith
	}

	p.mutex.Lock()
	p.executed = append(p.executed, operationType)
	p.mutex.Unlock()

	switch operationType {
	case OpPrinterStatus:
		return json.RawMessage(`{"online":true}`), nil
	case OpDrawerKick:
		return json.RawMessage(`{"status":"kicked"}`), nil
	default:
		return json.RawMessage(`{"status":"printed"}`), nil
	}
}

// static assertion
var _ Printer = (*MockPrinter)(nil)
var _ Printer = (*EscposPrinter)(nil)

// ErrNotConfigured is returned by agents asked to run an operation on a
// target they do not own.
var ErrNotConfigured = fmt.Errorf("printer not configured on this agent")
