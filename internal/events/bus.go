package events

import (
	"sync"
	"time"

	"expo/internal/logger"
)

// Event types published on the bus.
const (
	TypeCircuitOpened       = "circuit.opened"
	TypeCircuitClosed       = "circuit.closed"
	TypeConnectionDegraded  = "connection.degraded"
	TypeConnectionOnline    = "connection.online"
	TypeConnectionOffline   = "connection.offline"
	TypeHealthReport        = "health.report"
	TypeHeartbeatStale      = "heartbeat.stale"
)

// Alert severities, ordered from least to most serious.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Event is a single occurrence published on the bus.
type Event struct {
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity,omitempty"`
	DeviceID  string                 `json:"device_id,omitempty"`
	TargetID  string                 `json:"target_id,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Bus fans events out to subscribers. Publishing never blocks; a
// subscriber whose channel is full loses the event.
type Bus struct {
	subscribers []chan Event
	mutex       sync.RWMutex
	closed      bool
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber and returns its channel. The
// channel is closed when the bus shuts down.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers an event to every subscriber that has buffer space.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if b.closed {
		return
	}

	log := logger.New()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			log.Debug().
				Str("type", event.Type).
				Msg("Dropping event for slow subscriber")
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
