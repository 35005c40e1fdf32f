package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewCorrelationID generates a cryptographically random correlation id.
// Sequential or timestamp-derived ids are predictable and would allow a
// compromised agent to forge responses for other requests.
func NewCorrelationID() string {
	return uuid.NewString()
}

// BuildRegister creates a REGISTER message for the agent handshake
func BuildRegister(info *RegisterInfo) *AgentMessage {
	return &AgentMessage{
		Protocol: EXPO_AGENT,
		Type:     FRAME_REGISTER,
		DeviceID: info.DeviceID,
		Register: info,
	}
}

// BuildResponse creates a RESPONSE message carrying a command result
func BuildResponse(deviceID string, resp *ResponseEnvelope) *AgentMessage {
	return &AgentMessage{
		Protocol: EXPO_AGENT,
		Type:     FRAME_RESPONSE,
		DeviceID: deviceID,
		Response: resp,
	}
}

// BuildPing creates a PING heartbeat message
func BuildPing(deviceID string) *AgentMessage {
	return &AgentMessage{
		Protocol: EXPO_AGENT,
		Type:     FRAME_PING,
		DeviceID: deviceID,
		Ping:     &Ping{SentAtMs: time.Now().UnixMilli()},
	}
}

// BuildHealthReport creates a HEALTH report message
func BuildHealthReport(deviceID string, report *HealthReport) *AgentMessage {
	return &AgentMessage{
		Protocol: EXPO_AGENT,
		Type:     FRAME_HEALTH,
		DeviceID: deviceID,
		Health:   report,
	}
}

// BuildDisconnect creates a DISCONNECT message for graceful agent shutdown
func BuildDisconnect(deviceID string) *AgentMessage {
	return &AgentMessage{
		Protocol: EXPO_AGENT,
		Type:     FRAME_DISCONNECT,
		DeviceID: deviceID,
	}
}

// BuildCommand creates a COMMAND message for dispatching an operation
func BuildCommand(env *CommandEnvelope) *ServerMessage {
	return &ServerMessage{
		Protocol: EXPO_SERVER,
		Type:     FRAME_COMMAND,
		Command:  env,
	}
}

// BuildPong creates a PONG heartbeat reply
func BuildPong(ping *Ping) *ServerMessage {
	now := time.Now().UnixMilli()
	return &ServerMessage{
		Protocol: EXPO_SERVER,
		Type:     FRAME_PONG,
		Pong: &Pong{
			SentAtMs:  ping.SentAtMs,
			LatencyMs: now - ping.SentAtMs,
		},
	}
}

// BuildRegisterAck creates a REGISTER_ACK reply; a non-empty errMsg
// signals a rejected registration
func BuildRegisterAck(errMsg string) *ServerMessage {
	return &ServerMessage{
		Protocol: EXPO_SERVER,
		Type:     FRAME_REGISTER_ACK,
		Error:    errMsg,
	}
}

// SerializeMessage serializes a message to JSON bytes
func SerializeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// DeserializeAgentMessage deserializes JSON bytes to AgentMessage
func DeserializeAgentMessage(data []byte) (*AgentMessage, error) {
	var msg AgentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to deserialize agent message: %w", err)
	}
	return &msg, nil
}

// DeserializeServerMessage deserializes JSON bytes to ServerMessage
func DeserializeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to deserialize server message: %w", err)
	}
	return &msg, nil
}

// ValidateAgentMessage validates a message received from an agent
func ValidateAgentMessage(msg *AgentMessage) error {
	if msg.Protocol != EXPO_AGENT {
		return fmt.Errorf("invalid protocol: %s", msg.Protocol)
	}

	switch msg.Type {
	case FRAME_REGISTER:
		if msg.Register == nil {
			return fmt.Errorf("register payload required for REGISTER frame")
		}
		if msg.Register.DeviceID == "" {
			return fmt.Errorf("device_id required for REGISTER frame")
		}
		if msg.Register.TenantID == "" {
			return fmt.Errorf("tenant_id required for REGISTER frame")
		}
	case FRAME_RESPONSE:
		if msg.Response == nil {
			return fmt.Errorf("response payload required for RESPONSE frame")
		}
		if msg.Response.CorrelationID == "" {
			return fmt.Errorf("correlation_id required for RESPONSE frame")
		}
	case FRAME_PING:
		if msg.Ping == nil {
			return fmt.Errorf("ping payload required for PING frame")
		}
	case FRAME_HEALTH:
		if msg.Health == nil {
			return fmt.Errorf("health payload required for HEALTH frame")
		}
	case FRAME_DISCONNECT:
		// No additional validation required
	default:
		return fmt.Errorf("unknown agent frame type: %s", msg.Type)
	}

	return nil
}

// ValidateServerMessage validates a message received from the coordinator
func ValidateServerMessage(msg *ServerMessage) error {
	if msg.Protocol != EXPO_SERVER {
		return fmt.Errorf("invalid protocol: %s", msg.Protocol)
	}

	switch msg.Type {
	case FRAME_COMMAND:
		if msg.Command == nil {
			return fmt.Errorf("command payload required for COMMAND frame")
		}
		if msg.Command.CorrelationID == "" {
			return fmt.Errorf("correlation_id required for COMMAND frame")
		}
		if msg.Command.OperationType == "" {
			return fmt.Errorf("operation_type required for COMMAND frame")
		}
	case FRAME_PONG:
		if msg.Pong == nil {
			return fmt.Errorf("pong payload required for PONG frame")
		}
	case FRAME_REGISTER_ACK:
		// No additional validation required
	default:
		return fmt.Errorf("unknown server frame type: %s", msg.Type)
	}

	return nil
}
