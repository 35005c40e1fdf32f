package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"expo/internal/events"
	"expo/internal/logger"
	"expo/internal/protocol"
	"expo/internal/registry"
)

const (
	// DefaultStaleThreshold is how long a connection may go without a
	// heartbeat before it is considered stale.
	DefaultStaleThreshold = 60 * time.Second
	// DefaultCheckInterval is how often connections are swept for
	// staleness and degraded quality.
	DefaultCheckInterval = 15 * time.Second
	// highLatencyMs is the mean heartbeat latency above which a
	// connection is flagged even if its quality rating holds.
	highLatencyMs = 1000
)

// Monitor watches registered connections, ingests agent health reports
// and raises alerts on the event bus when a connection degrades.
type Monitor struct {
	registry       *registry.Registry
	bus            *events.Bus
	staleThreshold time.Duration
	checkInterval  time.Duration
	log            zerolog.Logger

	// last alert state per device, to avoid re-raising the same alert
	// every sweep
	alerted map[string]string
	mutex   sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewMonitor creates a health monitor over the given registry
func NewMonitor(reg *registry.Registry, bus *events.Bus) *Monitor {
	return &Monitor{
		registry:       reg,
		bus:            bus,
		staleThreshold: DefaultStaleThreshold,
		checkInterval:  DefaultCheckInterval,
		log:            logger.Component("monitor"),
		alerted:        make(map[string]string),
		done:           make(chan struct{}),
	}
}

// SetThresholds overrides the stale threshold and sweep interval.
// Must be called before Start.
func (m *Monitor) SetThresholds(stale, check time.Duration) {
	if stale > 0 {
		m.staleThreshold = stale
	}
	if check > 0 {
		m.checkInterval = check
	}
}

// Start launches the periodic sweep loop.
func (m *Monitor) Start() {
	go m.sweepLoop()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// IngestReport folds an agent's periodic health report into its
// connection and publishes it on the bus.
func (m *Monitor) IngestReport(conn *registry.Connection, report *protocol.HealthReport) {
	conn.SetReconnections(report.Reconnections)

	m.log.Debug().
		Str("device_id", conn.DeviceID).
		Str("quality", report.Quality).
		Float64("mean_latency_ms", report.MeanLatencyMs).
		Int("reconnections", report.Reconnections).
		Msg("Health report received")

	m.bus.Publish(events.Event{
		Type:     events.TypeHealthReport,
		Severity: events.SeverityLow,
		DeviceID: conn.DeviceID,
		Message:  fmt.Sprintf("health report from %s: %s", conn.DeviceID, report.Quality),
		Details: map[string]interface{}{
			"uptime_ms":       report.UptimeMs,
			"reconnections":   report.Reconnections,
			"mean_latency_ms": report.MeanLatencyMs,
			"quality":         report.Quality,
		},
	})
}

func (m *Monitor) sweepLoop() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.done:
			return
		}
	}
}

// Sweep inspects every connection once and raises alerts for stale
// heartbeats, poor quality and high latency. Exported so tests can
// drive it without waiting on the ticker.
func (m *Monitor) Sweep() {
	now := time.Now()

	for _, info := range m.registry.Snapshot() {
		m.inspect(info, now)
	}
}

func (m *Monitor) inspect(info protocol.ConnectionInfo, now time.Time) {
	sinceHeartbeat := now.Sub(info.LastHeartbeat)

	switch {
	case sinceHeartbeat > m.staleThreshold:
		m.raise(info.DeviceID, "stale", events.Event{
			Type:     events.TypeHeartbeatStale,
			Severity: events.SeverityCritical,
			DeviceID: info.DeviceID,
			Message:  fmt.Sprintf("no heartbeat from %s for %s", info.DeviceID, sinceHeartbeat.Round(time.Second)),
			Details: map[string]interface{}{
				"last_heartbeat": info.LastHeartbeat,
			},
		})

	case info.Quality == protocol.QualityPoor:
		m.raise(info.DeviceID, "poor", events.Event{
			Type:     events.TypeConnectionDegraded,
			Severity: events.SeverityHigh,
			DeviceID: info.DeviceID,
			Message:  fmt.Sprintf("connection quality for %s is poor", info.DeviceID),
			Details: map[string]interface{}{
				"mean_latency_ms": info.MeanLatencyMs,
			},
		})

	case info.MeanLatencyMs > highLatencyMs:
		m.raise(info.DeviceID, "latency", events.Event{
			Type:     events.TypeConnectionDegraded,
			Severity: events.SeverityMedium,
			DeviceID: info.DeviceID,
			Message:  fmt.Sprintf("mean heartbeat latency for %s is %.0fms", info.DeviceID, info.MeanLatencyMs),
			Details: map[string]interface{}{
				"mean_latency_ms": info.MeanLatencyMs,
			},
		})

	default:
		m.clear(info.DeviceID)
	}
}

// raise publishes an alert unless the same condition is already active
// for the device.
func (m *Monitor) raise(deviceID, condition string, event events.Event) {
	m.mutex.Lock()
	already := m.alerted[deviceID] == condition
	m.alerted[deviceID] = condition
	m.mutex.Unlock()

	if already {
		return
	}

	m.log.Warn().
		Str("device_id", deviceID).
		Str("condition", condition).
		Str("severity", event.Severity).
		Msg(event.Message)

	m.bus.Publish(event)
}

// clear resets the alert state for a device that has recovered.
func (m *Monitor) clear(deviceID string) {
	m.mutex.Lock()
	recovered := m.alerted[deviceID] != ""
	delete(m.alerted, deviceID)
	m.mutex.Unlock()

	if recovered {
		m.log.Info().
			Str("device_id", deviceID).
			Msg("Connection recovered")

		m.bus.Publish(events.Event{
			Type:     events.TypeConnectionOnline,
			Severity: events.SeverityLow,
			DeviceID: deviceID,
			Message:  fmt.Sprintf("connection %s recovered", deviceID),
		})
	}
}
