package protocol

import (
	"encoding/json"
	"time"
)

// Expo Protocol Constants
const (
	// Protocol versions
	EXPO_AGENT  = "EXPOA01"
	EXPO_SERVER = "EXPOS01"

	// Agent frame types (agent -> coordinator)
	FRAME_REGISTER   = "REGISTER"
	FRAME_RESPONSE   = "RESPONSE"
	FRAME_PING       = "PING"
	FRAME_HEALTH     = "HEALTH"
	FRAME_DISCONNECT = "DISCONNECT"

	// Server frame types (coordinator -> agent)
	FRAME_COMMAND  = "COMMAND"
	FRAME_PONG     = "PONG"
	FRAME_REGISTER_ACK = "REGISTER_ACK"
)

// Quality ratings for a connection, derived from latency and loss statistics
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// CommandEnvelope carries one dispatched operation to an agent
type CommandEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	TargetID      string          `json:"target_id"`
	OperationType string          `json:"operation_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DeadlineMs    int64           `json:"deadline_ms"`
}

// ResponseEnvelope carries the result of a command back from an agent
type ResponseEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Ping is the lightweight heartbeat sent by agents every few seconds
type Ping struct {
	SentAtMs int64 `json:"sent_at_ms"`
}

// Pong is the coordinator's heartbeat reply
type Pong struct {
	SentAtMs  int64 `json:"sent_at_ms"`
	LatencyMs int64 `json:"latency_ms"`
}

// HealthReport is the heavier periodic health report sent by agents
type HealthReport struct {
	UptimeMs      int64   `json:"uptime_ms"`
	Reconnections int     `json:"reconnections"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	Quality       string  `json:"quality"`
}

// PrinterInfo describes one printer controlled by an agent
type PrinterInfo struct {
	TargetID     string   `json:"target_id"`
	Model        string   `json:"model"`
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterInfo is the registration handshake sent by an agent on connect
type RegisterInfo struct {
	DeviceID string        `json:"device_id"`
	TenantID string        `json:"tenant_id"`
	Role     string        `json:"role"`
	Printers []PrinterInfo `json:"printers"`
}

// AgentMessage represents a message from agent to coordinator
type AgentMessage struct {
	Protocol string            `json:"protocol"`
	Type     string            `json:"type"`
	DeviceID string            `json:"device_id,omitempty"`
	Register *RegisterInfo     `json:"register,omitempty"`
	Response *ResponseEnvelope `json:"response,omitempty"`
	Ping     *Ping             `json:"ping,omitempty"`
	Health   *HealthReport     `json:"health,omitempty"`
}

// ServerMessage represents a message from coordinator to agent
type ServerMessage struct {
	Protocol string           `json:"protocol"`
	Type     string           `json:"type"`
	Command  *CommandEnvelope `json:"command,omitempty"`
	Pong     *Pong            `json:"pong,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// ConnectionInfo is an immutable snapshot of one agent connection,
// exposed on the query surface
type ConnectionInfo struct {
	ConnectionID  string        `json:"connection_id"`
	DeviceID      string        `json:"device_id"`
	TenantID      string        `json:"tenant_id"`
	Role          string        `json:"role"`
	Printers      []PrinterInfo `json:"printers"`
	ConnectedAt   time.Time     `json:"connected_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Alive         bool          `json:"alive"`
	Quality       string        `json:"quality"`
	MeanLatencyMs float64       `json:"mean_latency_ms"`
	Reconnections int           `json:"reconnections"`
}
