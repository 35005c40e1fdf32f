package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewCorrelationID(t *testing.T) {
	t.Run("Uniqueness", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			id := NewCorrelationID()
			if id == "" {
				t.Fatal("Expected non-empty correlation id")
			}
			if seen[id] {
				t.Fatalf("Duplicate correlation id generated: %s", id)
			}
			seen[id] = true
		}
	})

	t.Run("NotSequential", func(t *testing.T) {
		// Ids must not share a common incrementing prefix
		a := NewCorrelationID()
		b := NewCorrelationID()
		if a == b {
			t.Fatal("Expected distinct correlation ids")
		}
		common := 0
		for i := 0; i < len(a) && i < len(b); i++ {
			if a[i] != b[i] {
				break
			}
			common++
		}
		if common > 20 {
			t.Errorf("Correlation ids share a %d-character prefix, expected random ids", common)
		}
	})
}

func TestBuilders(t *testing.T) {
	t.Run("BuildRegister", func(t *testing.T) {
		info := &RegisterInfo{
			DeviceID: "dev-1",
			TenantID: "branch-7",
			Role:     "kitchen",
			Printers: []PrinterInfo{{TargetID: "P1", Model: "TM-T88", Address: "10.0.0.5:9100"}},
		}
		msg := BuildRegister(info)

		if msg.Protocol != EXPO_AGENT {
			t.Errorf("Expected protocol %s, got %s", EXPO_AGENT, msg.Protocol)
		}
		if msg.Type != FRAME_REGISTER {
			t.Errorf("Expected type %s, got %s", FRAME_REGISTER, msg.Type)
		}
		if msg.DeviceID != "dev-1" {
			t.Errorf("Expected device_id 'dev-1', got %s", msg.DeviceID)
		}
		if len(msg.Register.Printers) != 1 {
			t.Errorf("Expected 1 printer, got %d", len(msg.Register.Printers))
		}
	})

	t.Run("BuildResponse", func(t *testing.T) {
		resp := &ResponseEnvelope{
			CorrelationID: "abc-123",
			Success:       true,
			Result:        json.RawMessage(`{"ok":true}`),
		}
		msg := BuildResponse("dev-1", resp)

		if msg.Type != FRAME_RESPONSE {
			t.Errorf("Expected type %s, got %s", FRAME_RESPONSE, msg.Type)
		}
		if msg.Response.CorrelationID != "abc-123" {
			t.Errorf("Expected correlation_id 'abc-123', got %s", msg.Response.CorrelationID)
		}
	})

	t.Run("BuildCommand", func(t *testing.T) {
		env := &CommandEnvelope{
			CorrelationID: NewCorrelationID(),
			TargetID:      "P1",
			OperationType: "print.test",
			DeadlineMs:    15000,
		}
		msg := BuildCommand(env)

		if msg.Protocol != EXPO_SERVER {
			t.Errorf("Expected protocol %s, got %s", EXPO_SERVER, msg.Protocol)
		}
		if msg.Type != FRAME_COMMAND {
			t.Errorf("Expected type %s, got %s", FRAME_COMMAND, msg.Type)
		}
		if msg.Command.TargetID != "P1" {
			t.Errorf("Expected target 'P1', got %s", msg.Command.TargetID)
		}
	})

	t.Run("BuildPong", func(t *testing.T) {
		ping := &Ping{SentAtMs: 1000}
		msg := BuildPong(ping)

		if msg.Type != FRAME_PONG {
			t.Errorf("Expected type %s, got %s", FRAME_PONG, msg.Type)
		}
		if msg.Pong.SentAtMs != 1000 {
			t.Errorf("Expected echoed sent_at 1000, got %d", msg.Pong.SentAtMs)
		}
		if msg.Pong.LatencyMs < 0 {
			t.Errorf("Expected non-negative latency, got %d", msg.Pong.LatencyMs)
		}
	})
}

func TestValidateAgentMessage(t *testing.T) {
	t.Run("ValidRegister", func(t *testing.T) {
		msg := BuildRegister(&RegisterInfo{DeviceID: "dev-1", TenantID: "t-1", Role: "kitchen"})
		if err := ValidateAgentMessage(msg); err != nil {
			t.Errorf("Expected valid message, got error: %v", err)
		}
	})

	t.Run("RegisterMissingTenant", func(t *testing.T) {
		msg := BuildRegister(&RegisterInfo{DeviceID: "dev-1"})
		if err := ValidateAgentMessage(msg); err == nil {
			t.Error("Expected error for missing tenant_id")
		}
	})

	t.Run("ResponseMissingCorrelationID", func(t *testing.T) {
		msg := BuildResponse("dev-1", &ResponseEnvelope{Success: true})
		if err := ValidateAgentMessage(msg); err == nil {
			t.Error("Expected error for missing correlation_id")
		}
	})

	t.Run("InvalidProtocol", func(t *testing.T) {
		msg := &AgentMessage{Protocol: "BOGUS", Type: FRAME_PING}
		if err := ValidateAgentMessage(msg); err == nil {
			t.Error("Expected error for invalid protocol")
		}
	})

	t.Run("UnknownFrame", func(t *testing.T) {
		msg := &AgentMessage{Protocol: EXPO_AGENT, Type: "WAT"}
		if err := ValidateAgentMessage(msg); err == nil {
			t.Error("Expected error for unknown frame type")
		}
	})
}

func TestSerializationRoundTrip(t *testing.T) {
	env := &CommandEnvelope{
		CorrelationID: "cid-1",
		TargetID:      "P1",
		OperationType: "print.job",
		Payload:       json.RawMessage(`{"job_id":"j1","content":"x"}`),
		DeadlineMs:    30000,
	}
	data, err := SerializeMessage(BuildCommand(env))
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}

	msg, err := DeserializeServerMessage(data)
	if err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}
	if err := ValidateServerMessage(msg); err != nil {
		t.Fatalf("Round-tripped message invalid: %v", err)
	}
	if msg.Command.CorrelationID != "cid-1" {
		t.Errorf("Expected correlation_id 'cid-1', got %s", msg.Command.CorrelationID)
	}
	if string(msg.Command.Payload) != `{"job_id":"j1","content":"x"}` {
		t.Errorf("Payload altered in round trip: %s", string(msg.Command.Payload))
	}
}
