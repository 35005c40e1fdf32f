package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"expo/internal/breaker"
	"expo/internal/protocol"
	"expo/internal/registry"
)

// fakeSender simulates the agent side of the wire. Each dispatched
// command is answered by the configured reply function on a separate
// goroutine, the way real responses arrive.
type fakeSender struct {
	dispatcher *Dispatcher
	reply      func(cmd *protocol.CommandEnvelope) *protocol.ResponseEnvelope

	mutex sync.Mutex
	sent  []*protocol.CommandEnvelope
}

func (f *fakeSender) SendCommand(identity string, cmd *protocol.CommandEnvelope) error {
	f.mutex.Lock()
	f.sent = append(f.sent, cmd)
	f.mutex.Unlock()

	if f.reply == nil {
		return nil
	}

	go func() {
		if resp := f.reply(cmd); resp != nil {
			f.dispatcher.HandleResponse(resp)
		}
	}()
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.sent)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSender, *registry.Registry) {
	t.Helper()

	reg := registry.NewRegistry()
	sender := &fakeSender{}

	d := NewDispatcher(Options{
		Sender:      sender,
		Registry:    reg,
		TargetLimit: 100,
		TenantLimit: 100,
	})
	t.Cleanup(d.Close)
	sender.dispatcher = d

	// Tests drive failures explicitly instead of waiting out real
	// deadlines.
	d.timeoutFor = func(_, _ string) time.Duration { return 200 * time.Millisecond }

	reg.Install("identity-1", &protocol.RegisterInfo{
		DeviceID: "device-1",
		TenantID: "tenant-1",
		Role:     "pos",
		Printers: []protocol.PrinterInfo{{TargetID: "printer-1", Model: "EPSON TM-T88VI"}},
	})

	return d, sender, reg
}

func successReply(cmd *protocol.CommandEnvelope) *protocol.ResponseEnvelope {
	return &protocol.ResponseEnvelope{
		CorrelationID: cmd.CorrelationID,
		Success:       true,
		Result:        json.RawMessage(`{"status":"printed"}`),
	}
}

func TestDispatchSuccess(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	sender.reply = successReply

	resp, err := d.Dispatch(context.Background(), &Request{
		TargetID:      "printer-1",
		TenantID:      "tenant-1",
		OperationType: "print.test",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !resp.Success {
		t.Error("Expected successful response")
	}
	if string(resp.Result) != `{"status":"printed"}` {
		t.Errorf("Unexpected result: %s", resp.Result)
	}
	if resp.Cached {
		t.Error("First dispatch must not be cached")
	}
	if d.PendingCount() != 0 {
		t.Error("Pending map should be empty after completion")
	}
}

func TestDispatchAgentUnavailable(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), &Request{
		TargetID:      "printer-unknown",
		TenantID:      "tenant-1",
		OperationType: "print.test",
	})

	var unavailable *AgentUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected AgentUnavailableError, got %v", err)
	}
}

func TestDispatchTimeout(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	sender.reply = nil // agent never answers

	start := time.Now()
	_, err := d.Dispatch(context.Background(), &Request{
		TargetID:      "printer-1",
		TenantID:      "tenant-1",
		OperationType: "print.test",
	})

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Dispatch returned before the deadline: %v", elapsed)
	}
	if d.PendingCount() != 0 {
		t.Error("Timed-out request should be unregistered")
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	sender.reply = func(cmd *protocol.CommandEnvelope) *protocol.ResponseEnvelope {
		return &protocol.ResponseEnvelope{
			CorrelationID: cmd.CorrelationID,
			Success:       false,
			Error:         "printer offline",
		}
	}

	req := &Request{TargetID: "printer-1", TenantID: "tenant-1", OperationType: "print.test"}

	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		_, err := d.Dispatch(context.Background(), req)
		var transient *TransientError
		if !errors.As(err, &transient) {
			t.Fatalf("Dispatch %d: expected TransientError, got %v", i+1, err)
		}
	}

	if d.CircuitMetrics("printer-1").State != breaker.StateOpen.String() {
		t.Fatal("Circuit should be open after consecutive transient failures")
	}

	// The next dispatch is rejected without reaching the agent.
	before := sender.sentCount()
	_, err := d.Dispatch(context.Background(), req)
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("Expected CircuitOpenError, got %v", err)
	}
	if sender.sentCount() != before {
		t.Error("Open circuit must not send commands to the agent")
	}
}

func TestPermanentFailureDoesNotTripCircuit(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	sender.reply = func(cmd *protocol.CommandEnvelope) *protocol.ResponseEnvelope {
		return &protocol.ResponseEnvelope{
			CorrelationID: cmd.CorrelationID,
			Success:       false,
			Error:         "validation failed: unknown operation",
		}
	}

	req := &Request{TargetID: "printer-1", TenantID: "tenant-1", OperationType: "print.test"}

	for i := 0; i < breaker.DefaultFailureThreshold+2; i++ {
		_, err := d.Dispatch(context.Background(), req)
		var permanent *PermanentError
		if !errors.As(err, &permanent) {
			t.Fatalf("Dispatch %d: expected PermanentError, got %v", i+1, err)
		}
	}

	if got := d.CircuitMetrics("printer-1").State; got != breaker.StateClosed.String() {
		t.Errorf("Permanent failures must not open the circuit, state is %s", got)
	}
}

func TestIdempotentReplay(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	sender.reply = successReply

	req := &Request{
		TargetID:       "printer-1",
		TenantID:       "tenant-1",
		OperationType:  "print.job",
		Payload:        json.RawMessage(`{"content":"receipt 42","format":"text"}`),
		IdempotencyKey: "order-42",
	}

	first, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("First dispatch failed: %v", err)
	}

	second, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Replay dispatch failed: %v", err)
	}
	if !second.Cached {
		t.Error("Second dispatch with the same key should replay from cache")
	}
	if string(second.Result) != string(first.Result) {
		t.Error("Replayed result should match the original")
	}
	if sender.sentCount() != 1 {
		t.Errorf("Replay must not re-send the command, agent saw %d commands", sender.sentCount())
	}
}

func TestFailureOutcomeIsReplayedToo(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	sender.reply = func(cmd *protocol.CommandEnvelope) *protocol.ResponseEnvelope {
		return &protocol.ResponseEnvelope{
			CorrelationID: cmd.CorrelationID,
			Success:       false,
			Error:         "paper out",
		}
	}

	req := &Request{
		TargetID:       "printer-1",
		TenantID:       "tenant-1",
		OperationType:  "print.job",
		Payload:        json.RawMessage(`{"content":"receipt 43","format":"text"}`),
		IdempotencyKey: "order-43",
	}

	if _, err := d.Dispatch(context.Background(), req); err == nil {
		t.Fatal("Expected first dispatch to fail")
	}

	resp, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Replay of a failed outcome should not error: %v", err)
	}
	if !resp.Cached || resp.Success {
		t.Error("Expected a cached failure outcome")
	}
	if resp.Error != "paper out" {
		t.Errorf("Unexpected replayed error: %s", resp.Error)
	}
	if sender.sentCount() != 1 {
		t.Error("Failed outcome replay must not re-send the command")
	}
}

func TestTimeoutOutcomeIsNotCached(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	sender.reply = nil

	req := &Request{
		TargetID:       "printer-1",
		TenantID:       "tenant-1",
		OperationType:  "print.job",
		Payload:        json.RawMessage(`{"content":"receipt 44","format":"text"}`),
		IdempotencyKey: "order-44",
	}

	if _, err := d.Dispatch(context.Background(), req); err == nil {
		t.Fatal("Expected timeout")
	}

	// The agent recovers; the same key dispatches for real.
	sender.reply = successReply
	resp, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Retry after timeout failed: %v", err)
	}
	if resp.Cached {
		t.Error("A timed-out attempt must not populate the idempotency cache")
	}
	if sender.sentCount() != 2 {
		t.Errorf("Expected the retry to reach the agent, saw %d sends", sender.sentCount())
	}
}

func TestTargetRateLimit(t *testing.T) {
	reg := registry.NewRegistry()
	sender := &fakeSender{}
	d := NewDispatcher(Options{
		Sender:      sender,
		Registry:    reg,
		TargetLimit: 2,
		TenantLimit: 100,
	})
	t.Cleanup(d.Close)
	sender.dispatcher = d
	sender.reply = successReply
	d.timeoutFor = func(_, _ string) time.Duration { return 200 * time.Millisecond }

	reg.Install("identity-1", &protocol.RegisterInfo{
		DeviceID: "device-1",
		TenantID: "tenant-1",
		Printers: []protocol.PrinterInfo{{TargetID: "printer-1"}},
	})

	req := &Request{TargetID: "printer-1", TenantID: "tenant-1", OperationType: "print.test"}

	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(context.Background(), req); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i+1, err)
		}
	}

	_, err := d.Dispatch(context.Background(), req)
	var limited *RateLimitError
	if !errors.As(err, &limited) {
		t.Fatalf("Expected RateLimitError, got %v", err)
	}
	if limited.ResetIn <= 0 {
		t.Error("RateLimitError should report when the window resets")
	}
	if sender.sentCount() != 2 {
		t.Error("Rate-limited dispatch must not reach the agent")
	}
}

func TestFailConnectionFailsPendings(t *testing.T) {
	d, sender, reg := newTestDispatcher(t)
	sender.reply = nil
	d.timeoutFor = func(_, _ string) time.Duration { return 2 * time.Second }

	conn, _ := reg.GetByDevice("device-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), &Request{
			TargetID:      "printer-1",
			TenantID:      "tenant-1",
			OperationType: "print.test",
		})
		errCh <- err
	}()

	// Wait for the request to go pending, then supersede its connection.
	deadline := time.After(time.Second)
	for d.PendingCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("Request never became pending")
		case <-time.After(5 * time.Millisecond):
		}
	}

	d.FailConnection(conn.ConnectionID, ErrConnectionSuperseded)

	select {
	case err := <-errCh:
		var transient *TransientError
		if !errors.As(err, &transient) {
			t.Fatalf("Expected TransientError from superseded connection, got %v", err)
		}
		if !errors.Is(err, ErrConnectionSuperseded) {
			t.Error("Failure reason should be preserved for errors.Is")
		}
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not unblock after FailConnection")
	}
}

func TestLateResponseIsDiscarded(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	// No pending request exists for this correlation id.
	d.HandleResponse(&protocol.ResponseEnvelope{
		CorrelationID: protocol.NewCorrelationID(),
		Success:       true,
	})

	if d.PendingCount() != 0 {
		t.Error("Late response must not create pending state")
	}
}

func TestDispatchCancellation(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)
	sender.reply = nil
	d.timeoutFor = func(_, _ string) time.Duration { return 5 * time.Second }

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, &Request{
			TargetID:      "printer-1",
			TenantID:      "tenant-1",
			OperationType: "print.test",
		})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not return after cancellation")
	}
}

func TestDispatchValidatesRequest(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), &Request{TenantID: "tenant-1"})
	var permanent *PermanentError
	if !errors.As(err, &permanent) {
		t.Errorf("Expected PermanentError for missing fields, got %v", err)
	}
}

func TestDispatchRejectsInvalidOperations(t *testing.T) {
	d, sender, _ := newTestDispatcher(t)

	cases := []struct {
		name          string
		operationType string
		payload       json.RawMessage
	}{
		{"unknown operation", "printer.reboot", nil},
		{"malformed payload", "print.job", json.RawMessage(`{"format":"text"}`)},
		{"invalid drawer pin", "drawer.kick", json.RawMessage(`{"pin":7}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), &Request{
				TargetID:      "printer-1",
				TenantID:      "tenant-1",
				OperationType: tc.operationType,
				Payload:       tc.payload,
			})
			var permanent *PermanentError
			if !errors.As(err, &permanent) {
				t.Fatalf("Expected PermanentError, got %v", err)
			}
		})
	}

	if sender.sentCount() != 0 {
		t.Error("Rejected operations must never reach the agent")
	}
	// Rejection happens before admission, so no rate budget is consumed.
	if got := d.targetRate.Scopes(); got != 0 {
		t.Errorf("Rejected operations must not open rate windows, found %d", got)
	}
}

func TestExpiredRateWindowsArePruned(t *testing.T) {
	reg := registry.NewRegistry()
	sender := &fakeSender{}

	d := NewDispatcher(Options{
		Sender:      sender,
		Registry:    reg,
		TargetLimit: 100,
		TenantLimit: 100,
		RateWindow:  150 * time.Millisecond,
	})
	t.Cleanup(d.Close)
	sender.dispatcher = d
	sender.reply = successReply
	d.timeoutFor = func(_, _ string) time.Duration { return 200 * time.Millisecond }

	reg.Install("identity-1", &protocol.RegisterInfo{
		DeviceID: "device-1",
		TenantID: "tenant-1",
		Printers: []protocol.PrinterInfo{{TargetID: "printer-1"}},
	})

	if _, err := d.Dispatch(context.Background(), &Request{
		TargetID:      "printer-1",
		TenantID:      "tenant-1",
		OperationType: "print.test",
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if d.targetRate.Scopes() == 0 {
		t.Fatal("Dispatch should have opened a rate window")
	}

	deadline := time.After(time.Second)
	for d.targetRate.Scopes() != 0 || d.tenantRate.Scopes() != 0 {
		select {
		case <-deadline:
			t.Fatal("Expired rate windows were never pruned")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
