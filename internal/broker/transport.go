package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"

	"expo/internal/events"
	"expo/internal/logger"
	"expo/internal/monitor"
	"expo/internal/protocol"
	"expo/internal/registry"
)

// AgentDirectory persists agent registrations for operator queries.
// The coordinator store implements it; a nil directory disables
// persistence.
type AgentDirectory interface {
	UpsertAgent(info *protocol.RegisterInfo) error
}

// Transport owns the coordinator's ROUTER socket. It accepts agent
// registrations, feeds heartbeats and health reports into the registry
// and monitor, and routes response envelopes to the dispatcher.
type Transport struct {
	address    string
	socket     *zmq4.Socket
	registry   *registry.Registry
	dispatcher *Dispatcher
	monitor    *monitor.Monitor
	bus        *events.Bus
	directory  AgentDirectory
	ctx        context.Context
	cancel     context.CancelFunc
	log        zerolog.Logger

	// outbound serializes all socket writes through the message loop
	// goroutine, since a ZMQ socket is not safe for concurrent use
	outbound chan outboundMessage
}

type outboundMessage struct {
	identity string
	message  *protocol.ServerMessage
	errCh    chan error
}

// NewTransport creates a transport bound to nothing yet
func NewTransport(address string, reg *registry.Registry, disp *Dispatcher, mon *monitor.Monitor, bus *events.Bus) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		address:    address,
		registry:   reg,
		dispatcher: disp,
		monitor:    mon,
		bus:        bus,
		ctx:        ctx,
		cancel:     cancel,
		log:        logger.Component("transport"),
		outbound:   make(chan outboundMessage, 256),
	}
}

// SetDirectory installs the registration sink. Must be called before
// Start.
func (t *Transport) SetDirectory(directory AgentDirectory) {
	t.directory = directory
}

// Start binds the ROUTER socket and launches the message loop.
func (t *Transport) Start() error {
	t.log.Info().
		Str("address", t.address).
		Msg("Starting coordinator transport")

	socket, err := zmq4.NewSocket(zmq4.ROUTER)
	if err != nil {
		return fmt.Errorf("failed to create ROUTER socket: %w", err)
	}

	if err = socket.SetLinger(1000); err != nil {
		socket.Close()
		return fmt.Errorf("failed to set linger: %w", err)
	}
	if err = socket.SetRcvhwm(1000); err != nil {
		socket.Close()
		return fmt.Errorf("failed to set receive high watermark: %w", err)
	}
	if err = socket.SetSndhwm(1000); err != nil {
		socket.Close()
		return fmt.Errorf("failed to set send high watermark: %w", err)
	}

	if err = socket.Bind(t.address); err != nil {
		socket.Close()
		return fmt.Errorf("failed to bind to address: %w", err)
	}

	t.socket = socket

	t.log.Info().Msg("Coordinator transport started")

	go t.messageLoop()

	return nil
}

// Stop shuts the transport down.
func (t *Transport) Stop() error {
	t.log.Info().Msg("Stopping coordinator transport")
	t.cancel()
	return nil
}

// SendCommand queues a command envelope for delivery to an agent. It
// satisfies the dispatcher's Sender interface.
func (t *Transport) SendCommand(identity string, cmd *protocol.CommandEnvelope) error {
	return t.send(identity, protocol.BuildCommand(cmd))
}

func (t *Transport) send(identity string, msg *protocol.ServerMessage) error {
	errCh := make(chan error, 1)

	select {
	case t.outbound <- outboundMessage{identity: identity, message: msg, errCh: errCh}:
	case <-t.ctx.Done():
		return fmt.Errorf("transport stopped")
	}

	select {
	case err := <-errCh:
		return err
	case <-t.ctx.Done():
		return fmt.Errorf("transport stopped")
	}
}

// messageLoop is the only goroutine touching the socket. It alternates
// between draining the outbound queue and polling for agent frames.
func (t *Transport) messageLoop() {
	defer func() {
		if t.socket != nil {
			if err := t.socket.Close(); err != nil {
				t.log.Error().Err(err).Msg("Error closing transport socket")
			}
			t.socket = nil
		}
	}()

	for {
		select {
		case <-t.ctx.Done():
			t.log.Info().Msg("Transport message loop stopping")
			return

		case out := <-t.outbound:
			out.errCh <- t.writeMessage(out.identity, out.message)

		default:
			msg, err := t.socket.RecvMessageBytes(zmq4.DONTWAIT)
			if err != nil {
				if err.Error() != "resource temporarily unavailable" {
					t.log.Error().Err(err).Msg("Failed to receive message")
				}
				time.Sleep(10 * time.Millisecond)
				continue
			}
			t.handleFrames(msg)
		}
	}
}

func (t *Transport) writeMessage(identity string, msg *protocol.ServerMessage) error {
	data, err := protocol.SerializeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	if _, err := t.socket.SendMessage(identity, "", data); err != nil {
		return fmt.Errorf("failed to send message to agent: %w", err)
	}
	return nil
}

func (t *Transport) handleFrames(frames [][]byte) {
	if len(frames) < 3 {
		t.log.Warn().
			Int("parts_count", len(frames)).
			Msg("Received malformed message (insufficient parts)")
		return
	}

	identity := string(frames[0])
	if len(frames[1]) != 0 {
		t.log.Warn().
			Str("identity", identity).
			Msg("Received message without empty delimiter")
		return
	}

	msg, err := protocol.DeserializeAgentMessage(frames[2])
	if err != nil {
		t.log.Warn().
			Str("identity", identity).
			Err(err).
			Msg("Failed to parse agent message")
		return
	}

	if err := protocol.ValidateAgentMessage(msg); err != nil {
		t.log.Warn().
			Str("identity", identity).
			Str("type", msg.Type).
			Err(err).
			Msg("Rejecting invalid agent message")
		return
	}

	if err := t.routeMessage(identity, msg); err != nil {
		t.log.Error().
			Str("identity", identity).
			Str("type", msg.Type).
			Err(err).
			Msg("Failed to route agent message")
	}
}

func (t *Transport) routeMessage(identity string, msg *protocol.AgentMessage) error {
	switch msg.Type {
	case protocol.FRAME_REGISTER:
		return t.handleRegister(identity, msg.Register)
	case protocol.FRAME_RESPONSE:
		return t.handleResponse(identity, msg.Response)
	case protocol.FRAME_PING:
		return t.handlePing(identity, msg.Ping)
	case protocol.FRAME_HEALTH:
		return t.handleHealth(identity, msg.Health)
	case protocol.FRAME_DISCONNECT:
		return t.handleDisconnect(identity)
	default:
		return fmt.Errorf("unknown agent frame type: %s", msg.Type)
	}
}

func (t *Transport) handleRegister(identity string, info *protocol.RegisterInfo) error {
	conn, superseded := t.registry.Install(identity, info)

	if superseded != nil {
		t.dispatcher.FailConnection(superseded.ConnectionID, ErrConnectionSuperseded)
	}

	t.log.Info().
		Str("identity", identity).
		Str("device_id", conn.DeviceID).
		Str("tenant_id", conn.TenantID).
		Int("printers", len(conn.Printers)).
		Msg("Agent registered")

	if t.directory != nil {
		if err := t.directory.UpsertAgent(info); err != nil {
			t.log.Error().Err(err).Str("device_id", info.DeviceID).Msg("Failed to persist agent registration")
		}
	}

	if t.bus != nil {
		t.bus.Publish(events.Event{
			Type:     events.TypeConnectionOnline,
			Severity: events.SeverityLow,
			DeviceID: conn.DeviceID,
			Message:  fmt.Sprintf("agent %s connected", conn.DeviceID),
		})
	}

	return t.writeMessage(identity, protocol.BuildRegisterAck(""))
}

func (t *Transport) handleResponse(identity string, envelope *protocol.ResponseEnvelope) error {
	t.dispatcher.HandleResponse(envelope)
	return nil
}

func (t *Transport) handlePing(identity string, ping *protocol.Ping) error {
	conn, ok := t.registry.GetByIdentity(identity)
	if !ok {
		return fmt.Errorf("ping from unregistered identity %s", identity)
	}

	latencyMs := time.Now().UnixMilli() - ping.SentAtMs
	if latencyMs < 0 {
		latencyMs = 0
	}
	conn.Touch(float64(latencyMs))

	return t.writeMessage(identity, protocol.BuildPong(ping))
}

func (t *Transport) handleHealth(identity string, report *protocol.HealthReport) error {
	conn, ok := t.registry.GetByIdentity(identity)
	if !ok {
		return fmt.Errorf("health report from unregistered identity %s", identity)
	}

	t.monitor.IngestReport(conn, report)
	return nil
}

func (t *Transport) handleDisconnect(identity string) error {
	conn, ok := t.registry.GetByIdentity(identity)
	if !ok {
		return nil
	}

	t.log.Info().
		Str("device_id", conn.DeviceID).
		Msg("Agent disconnecting")

	t.dispatcher.FailConnection(conn.ConnectionID, fmt.Errorf("agent %s disconnected", conn.DeviceID))
	t.registry.Remove(conn)

	if t.bus != nil {
		t.bus.Publish(events.Event{
			Type:     events.TypeConnectionOffline,
			Severity: events.SeverityMedium,
			DeviceID: conn.DeviceID,
			Message:  fmt.Sprintf("agent %s disconnected", conn.DeviceID),
		})
	}

	return nil
}
