package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"expo/internal/logger"
	"expo/internal/printer"
	"expo/internal/protocol"
)

const (
	// PingInterval is how often the agent heartbeats the coordinator.
	PingInterval = 15 * time.Second
	// HealthInterval is how often the agent sends a full health report.
	HealthInterval = 3 * time.Minute
	// defaultLiveness is how many missed heartbeat rounds the agent
	// tolerates before reconnecting.
	defaultLiveness = 3
)

// Agent connects a store's printers to the coordinator over a DEALER
// socket. It registers its printer inventory on connect, executes
// dispatched commands and reconnects with backoff when the link dies.
type Agent struct {
	coordinator string
	deviceID    string
	tenantID    string
	role        string
	printers    map[string]printer.Printer

	socket       *zmq4.Socket
	reconnect    *ReconnectController
	reconnecting bool
	liveness     int
	startTime    time.Time

	// pong latencies for the periodic health report
	latencies []float64

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
	mutex  sync.Mutex

	// outbound serializes socket writes through the message loop
	outbound chan *protocol.AgentMessage
}

// NewAgent creates an agent for one device.
func NewAgent(coordinator, deviceID, tenantID, role string, printers []printer.Printer) *Agent {
	ctx, cancel := context.WithCancel(context.Background())

	byTarget := make(map[string]printer.Printer, len(printers))
	for _, p := range printers {
		byTarget[p.Info().TargetID] = p
	}

	return &Agent{
		coordinator: coordinator,
		deviceID:    deviceID,
		tenantID:    tenantID,
		role:        role,
		printers:    byTarget,
		reconnect:   NewReconnectController(),
		liveness:    defaultLiveness,
		startTime:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		log:         logger.Component("agent").With().Str("device_id", deviceID).Logger(),
		outbound:    make(chan *protocol.AgentMessage, 64),
	}
}

// Start connects to the coordinator and launches the agent loops.
func (a *Agent) Start() error {
	a.log.Info().
		Str("coordinator", a.coordinator).
		Int("printers", len(a.printers)).
		Msg("Starting agent")

	if err := a.connect(); err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}

	go a.messageLoop()
	go a.pingLoop()
	go a.healthLoop()

	return nil
}

// Stop sends a disconnect notice and shuts the agent down.
func (a *Agent) Stop() error {
	a.log.Info().Msg("Stopping agent")

	select {
	case a.outbound <- protocol.BuildDisconnect(a.deviceID):
	default:
	}
	// Give the message loop a moment to flush the disconnect.
	time.Sleep(100 * time.Millisecond)

	a.cancel()
	return nil
}

// connect dials the coordinator and sends the registration handshake.
func (a *Agent) connect() error {
	socket, err := zmq4.NewSocket(zmq4.DEALER)
	if err != nil {
		return fmt.Errorf("failed to create DEALER socket: %w", err)
	}

	identity := fmt.Sprintf("%s-%d", a.deviceID, time.Now().UnixNano())
	if err = socket.SetIdentity(identity); err != nil {
		socket.Close()
		return fmt.Errorf("failed to set socket identity: %w", err)
	}
	if err = socket.SetLinger(1000); err != nil {
		socket.Close()
		return fmt.Errorf("failed to set linger: %w", err)
	}

	if err = socket.Connect(a.coordinator); err != nil {
		socket.Close()
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}

	a.mutex.Lock()
	a.socket = socket
	a.liveness = defaultLiveness
	a.mutex.Unlock()

	if err := a.writeMessage(protocol.BuildRegister(a.registerInfo())); err != nil {
		socket.Close()
		a.mutex.Lock()
		a.socket = nil
		a.mutex.Unlock()
		return fmt.Errorf("failed to send registration: %w", err)
	}

	a.reconnect.RecordSuccess()
	a.log.Info().Msg("Connected and registered with coordinator")
	return nil
}

func (a *Agent) registerInfo() *protocol.RegisterInfo {
	infos := make([]protocol.PrinterInfo, 0, len(a.printers))
	for _, p := range a.printers {
		infos = append(infos, p.Info())
	}
	return &protocol.RegisterInfo{
		DeviceID: a.deviceID,
		TenantID: a.tenantID,
		Role:     a.role,
		Printers: infos,
	}
}

// messageLoop is the only goroutine touching the socket.
func (a *Agent) messageLoop() {
	defer func() {
		a.mutex.Lock()
		if a.socket != nil {
			a.socket.Close()
			a.socket = nil
		}
		a.mutex.Unlock()
	}()

	for {
		select {
		case <-a.ctx.Done():
			a.log.Info().Msg("Agent message loop stopping")
			return

		case msg := <-a.outbound:
			if err := a.writeMessage(msg); err != nil {
				a.log.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message")
			}

		default:
			msg, err := a.recv()
			if err != nil {
				if err.Error() != "resource temporarily unavailable" {
					a.log.Error().Err(err).Msg("Failed to receive message")
					a.reconnectToCoordinator()
				}
				time.Sleep(10 * time.Millisecond)
				continue
			}
			a.handleMessage(msg)
		}
	}
}

func (a *Agent) recv() (*protocol.ServerMessage, error) {
	a.mutex.Lock()
	socket := a.socket
	a.mutex.Unlock()

	if socket == nil {
		return nil, fmt.Errorf("resource temporarily unavailable")
	}

	frames, err := socket.RecvMessageBytes(zmq4.DONTWAIT)
	if err != nil {
		return nil, err
	}

	if len(frames) < 2 {
		return nil, fmt.Errorf("malformed message with %d parts", len(frames))
	}
	if len(frames[0]) != 0 {
		return nil, fmt.Errorf("missing empty delimiter frame")
	}

	msg, err := protocol.DeserializeServerMessage(frames[1])
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateServerMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (a *Agent) writeMessage(msg *protocol.AgentMessage) error {
	data, err := protocol.SerializeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	a.mutex.Lock()
	socket := a.socket
	a.mutex.Unlock()

	if socket == nil {
		return fmt.Errorf("socket not connected")
	}

	if _, err := socket.SendMessage("", data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (a *Agent) handleMessage(msg *protocol.ServerMessage) {
	switch msg.Type {
	case protocol.FRAME_COMMAND:
		// Commands execute off the message loop so a slow printer
		// never blocks heartbeats.
		go a.executeCommand(msg.Command)

	case protocol.FRAME_PONG:
		a.handlePong(msg.Pong)

	case protocol.FRAME_REGISTER_ACK:
		if msg.Error != "" {
			a.log.Error().Str("error", msg.Error).Msg("Registration rejected")
			return
		}
		a.log.Debug().Msg("Registration acknowledged")

	default:
		a.log.Warn().Str("type", msg.Type).Msg("Ignoring unknown server frame")
	}
}

func (a *Agent) executeCommand(cmd *protocol.CommandEnvelope) {
	a.log.Info().
		Str("correlation_id", cmd.CorrelationID).
		Str("target_id", cmd.TargetID).
		Str("operation_type", cmd.OperationType).
		Msg("Executing command")

	ctx := a.ctx
	if cmd.DeadlineMs > 0 {
		deadline := time.UnixMilli(cmd.DeadlineMs)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(a.ctx, deadline)
		defer cancel()
	}

	envelope := &protocol.ResponseEnvelope{CorrelationID: cmd.CorrelationID}

	p, ok := a.printers[cmd.TargetID]
	if !ok {
		envelope.Error = printer.ErrNotConfigured.Error()
	} else if result, err := p.Execute(ctx, cmd.OperationType, cmd.Payload); err != nil {
		envelope.Error = err.Error()
	} else {
		envelope.Success = true
		envelope.Result = result
	}

	if !envelope.Success {
		a.log.Warn().
			Str("correlation_id", cmd.CorrelationID).
			Str("error", envelope.Error).
			Msg("Command failed")
	}

	select {
	case a.outbound <- protocol.BuildResponse(a.deviceID, envelope):
	case <-a.ctx.Done():
	}
}

func (a *Agent) handlePong(pong *protocol.Pong) {
	rtt := time.Now().UnixMilli() - pong.SentAtMs
	if rtt < 0 {
		rtt = 0
	}

	a.mutex.Lock()
	a.liveness = defaultLiveness
	a.latencies = append(a.latencies, float64(rtt))
	if len(a.latencies) > 100 {
		a.latencies = a.latencies[len(a.latencies)-100:]
	}
	a.mutex.Unlock()
}

// pingLoop heartbeats the coordinator and watches for a dead link.
func (a *Agent) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.mutex.Lock()
			a.liveness--
			dead := a.liveness <= 0
			a.mutex.Unlock()

			if dead {
				a.log.Warn().Msg("Lost contact with coordinator")
				a.reconnectToCoordinator()
				continue
			}

			select {
			case a.outbound <- protocol.BuildPing(a.deviceID):
			default:
				a.log.Warn().Msg("Outbound queue full, skipping ping")
			}

		case <-a.ctx.Done():
			return
		}
	}
}

// healthLoop sends the periodic health report.
func (a *Agent) healthLoop() {
	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := a.buildHealthReport()
			select {
			case a.outbound <- protocol.BuildHealthReport(a.deviceID, report):
			default:
				a.log.Warn().Msg("Outbound queue full, skipping health report")
			}

		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Agent) buildHealthReport() *protocol.HealthReport {
	a.mutex.Lock()
	var mean float64
	if len(a.latencies) > 0 {
		var sum float64
		for _, l := range a.latencies {
			sum += l
		}
		mean = sum / float64(len(a.latencies))
	}
	a.mutex.Unlock()

	quality := protocol.QualityGood
	score := a.reconnect.Score()
	switch {
	case score >= 90 && mean < 50:
		quality = protocol.QualityExcellent
	case score >= 70 && mean < 200:
		quality = protocol.QualityGood
	case score >= 40:
		quality = protocol.QualityFair
	default:
		quality = protocol.QualityPoor
	}

	return &protocol.HealthReport{
		UptimeMs:      time.Since(a.startTime).Milliseconds(),
		Reconnections: a.reconnect.Reconnections(),
		MeanLatencyMs: mean,
		Quality:       quality,
	}
}

// reconnectToCoordinator tears the socket down and retries with backoff
// until connected or stopped. Only one reconnection runs at a time.
func (a *Agent) reconnectToCoordinator() {
	a.mutex.Lock()
	if a.reconnecting {
		a.mutex.Unlock()
		return
	}
	a.reconnecting = true
	if a.socket != nil {
		a.socket.Close()
		a.socket = nil
	}
	a.mutex.Unlock()

	defer func() {
		a.mutex.Lock()
		a.reconnecting = false
		a.mutex.Unlock()
	}()

	for {
		if a.ctx.Err() != nil {
			return
		}

		a.reconnect.RecordFailure()
		delay := a.reconnect.NextDelay()

		a.log.Info().
			Dur("delay", delay).
			Int("score", a.reconnect.Score()).
			Msg("Reconnecting to coordinator")

		select {
		case <-time.After(delay):
		case <-a.ctx.Done():
			return
		}

		if err := a.connect(); err != nil {
			a.log.Error().Err(err).Msg("Reconnection attempt failed")
			continue
		}
		return
	}
}

// Score exposes the agent's current connection stability rating.
func (a *Agent) Score() int {
	return a.reconnect.Score()
}
