package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"expo/internal/logger"
	"expo/internal/protocol"
)

// healthWindow is how many recent heartbeat latency samples each
// connection keeps for quality scoring.
const healthWindow = 20

// Connection represents one live agent link. A device id maps to at most
// one Connection; a newer registration for the same device supersedes
// the older one.
type Connection struct {
	ConnectionID string
	Identity     string
	DeviceID     string
	TenantID     string
	Role         string
	Printers     []protocol.PrinterInfo

	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Alive         bool

	latencies           []float64
	reconnections       int
	consecutiveTimeouts int

	mutex sync.Mutex
}

// Touch records a heartbeat latency sample and refreshes liveness.
func (c *Connection) Touch(latencyMs float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.LastHeartbeat = time.Now()
	c.Alive = true
	c.consecutiveTimeouts = 0

	c.latencies = append(c.latencies, latencyMs)
	if len(c.latencies) > healthWindow {
		c.latencies = c.latencies[len(c.latencies)-healthWindow:]
	}
}

// MarkTimeout records a missed heartbeat.
func (c *Connection) MarkTimeout() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.consecutiveTimeouts++
}

// MarkDead flags the connection as no longer live.
func (c *Connection) MarkDead() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.Alive = false
}

// SetReconnections records how many times the agent reports having
// reconnected since it started.
func (c *Connection) SetReconnections(n int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if n > c.reconnections {
		c.reconnections = n
	}
}

// MeanLatency returns the mean of the recent heartbeat latency samples.
func (c *Connection) MeanLatency() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.meanLatencyLocked()
}

func (c *Connection) meanLatencyLocked() float64 {
	if len(c.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, l := range c.latencies {
		sum += l
	}
	return sum / float64(len(c.latencies))
}

// Quality rates the connection from its recent latency and timeout
// history.
func (c *Connection) Quality() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.qualityLocked()
}

func (c *Connection) qualityLocked() string {
	if c.consecutiveTimeouts >= 3 || !c.Alive {
		return protocol.QualityPoor
	}

	mean := c.meanLatencyLocked()
	switch {
	case len(c.latencies) == 0:
		return protocol.QualityGood
	case mean < 50 && c.consecutiveTimeouts == 0:
		return protocol.QualityExcellent
	case mean < 200:
		return protocol.QualityGood
	case mean < 1000:
		return protocol.QualityFair
	default:
		return protocol.QualityPoor
	}
}

// Info returns an immutable snapshot of the connection.
func (c *Connection) Info() protocol.ConnectionInfo {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	printers := make([]protocol.PrinterInfo, len(c.Printers))
	copy(printers, c.Printers)

	return protocol.ConnectionInfo{
		ConnectionID:  c.ConnectionID,
		DeviceID:      c.DeviceID,
		TenantID:      c.TenantID,
		Role:          c.Role,
		Printers:      printers,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.LastHeartbeat,
		Alive:         c.Alive,
		Quality:       c.qualityLocked(),
		MeanLatencyMs: c.meanLatencyLocked(),
		Reconnections: c.reconnections,
	}
}

// Registry tracks live agent connections and resolves dispatch targets
// to the connection that owns them.
type Registry struct {
	byDevice   map[string]*Connection
	byIdentity map[string]*Connection
	byTarget   map[string]*Connection
	mutex      sync.RWMutex
	log        zerolog.Logger
}

// NewRegistry creates an empty connection registry
func NewRegistry() *Registry {
	return &Registry{
		byDevice:   make(map[string]*Connection),
		byIdentity: make(map[string]*Connection),
		byTarget:   make(map[string]*Connection),
		log:        logger.Component("registry"),
	}
}

// Install registers a new connection for a device. If a connection for
// the same device already exists it is superseded: the old connection is
// returned so the caller can fail its in-flight requests.
func (r *Registry) Install(identity string, info *protocol.RegisterInfo) (*Connection, *Connection) {
	conn := &Connection{
		ConnectionID:  uuid.NewString(),
		Identity:      identity,
		DeviceID:      info.DeviceID,
		TenantID:      info.TenantID,
		Role:          info.Role,
		Printers:      info.Printers,
		ConnectedAt:   time.Now(),
		LastHeartbeat: time.Now(),
		Alive:         true,
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	superseded := r.byDevice[conn.DeviceID]
	if superseded != nil {
		r.removeLocked(superseded)
		r.log.Warn().
			Str("device_id", conn.DeviceID).
			Str("old_connection", superseded.ConnectionID).
			Str("new_connection", conn.ConnectionID).
			Msg("Superseding existing connection for device")
	}

	r.byDevice[conn.DeviceID] = conn
	r.byIdentity[conn.Identity] = conn
	for _, p := range conn.Printers {
		r.byTarget[p.TargetID] = conn
	}

	return conn, superseded
}

// Remove drops a connection from the registry. It is a no-op if the
// connection has already been superseded by a newer one.
func (r *Registry) Remove(conn *Connection) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if current := r.byDevice[conn.DeviceID]; current != conn {
		return
	}
	r.removeLocked(conn)
}

func (r *Registry) removeLocked(conn *Connection) {
	delete(r.byDevice, conn.DeviceID)
	delete(r.byIdentity, conn.Identity)
	for _, p := range conn.Printers {
		if r.byTarget[p.TargetID] == conn {
			delete(r.byTarget, p.TargetID)
		}
	}
	conn.MarkDead()
}

// GetByDevice returns the live connection for a device id.
func (r *Registry) GetByDevice(deviceID string) (*Connection, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conn, ok := r.byDevice[deviceID]
	return conn, ok
}

// GetByIdentity returns the connection behind a socket identity.
func (r *Registry) GetByIdentity(identity string) (*Connection, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conn, ok := r.byIdentity[identity]
	return conn, ok
}

// ResolveTarget returns the connection whose printer inventory contains
// the target id.
func (r *Registry) ResolveTarget(targetID string) (*Connection, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conn, ok := r.byTarget[targetID]
	return conn, ok
}

// Snapshot returns immutable info for every registered connection.
func (r *Registry) Snapshot() []protocol.ConnectionInfo {
	r.mutex.RLock()
	conns := make([]*Connection, 0, len(r.byDevice))
	for _, conn := range r.byDevice {
		conns = append(conns, conn)
	}
	r.mutex.RUnlock()

	infos := make([]protocol.ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	return infos
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.byDevice)
}
