package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"expo/internal/breaker"
	"expo/internal/events"
	"expo/internal/govern"
	"expo/internal/latency"
	"expo/internal/logger"
	"expo/internal/printer"
	"expo/internal/protocol"
	"expo/internal/registry"
)

// Sender delivers a command envelope to the agent behind a socket
// identity. The ZMQ transport implements it; tests substitute fakes.
type Sender interface {
	SendCommand(identity string, cmd *protocol.CommandEnvelope) error
}

// AuditSink records every dispatch outcome. The coordinator store
// implements it; a nil sink disables auditing.
type AuditSink interface {
	RecordDispatch(record *AuditRecord) error
}

// AuditRecord describes one completed dispatch attempt.
type AuditRecord struct {
	CorrelationID  string
	TargetID       string
	TenantID       string
	OperationType  string
	IdempotencyKey string
	Outcome        string
	Error          string
	ElapsedMs      int64
	CreatedAt      time.Time
}

// Request is one dispatch submitted by a caller.
type Request struct {
	TargetID       string
	TenantID       string
	OperationType  string
	Payload        json.RawMessage
	IdempotencyKey string
}

// Response is the outcome handed back to the caller.
type Response struct {
	CorrelationID string          `json:"correlation_id"`
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Cached        bool            `json:"cached"`
	ElapsedMs     int64           `json:"elapsed_ms"`
}

// dispatchResult is what a waiting Dispatch receives: either an agent
// response envelope or a local failure such as a superseded connection
type dispatchResult struct {
	envelope *protocol.ResponseEnvelope
	local    error
}

// pendingRequest tracks one in-flight command awaiting its response
type pendingRequest struct {
	correlationID string
	targetID      string
	operationType string
	connectionID  string
	done          chan dispatchResult
	createdAt     time.Time
}

// Dispatcher is the request/response core of the coordinator. Every
// dispatch runs the same admission pipeline: idempotency replay, rate
// limits, circuit breaker, then correlation against the owning agent
// connection with an adaptive deadline.
type Dispatcher struct {
	sender      Sender
	registry    *registry.Registry
	breaker     *breaker.Breaker
	tracker     *latency.Tracker
	idempotency *govern.IdempotencyCache
	targetRate  *govern.RateLimiter
	tenantRate  *govern.RateLimiter
	bus         *events.Bus
	audit       AuditSink
	log         zerolog.Logger

	pending map[string]*pendingRequest
	mutex   sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	// timeoutFor resolves the deadline for one dispatch; overridable
	// in tests
	timeoutFor func(targetID, operationType string) time.Duration
}

// Options configures a Dispatcher. Zero-value fields fall back to the
// package defaults.
type Options struct {
	Sender      Sender
	Registry    *registry.Registry
	Bus         *events.Bus
	Audit       AuditSink
	TargetLimit int
	TenantLimit int
	RateWindow  time.Duration
	CacheTTL    time.Duration
}

// NewDispatcher creates a dispatcher and wires its breaker state
// transitions onto the event bus.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		sender:      opts.Sender,
		registry:    opts.Registry,
		tracker:     latency.NewTracker(),
		idempotency: govern.NewIdempotencyCache(govern.DefaultCacheSize, opts.CacheTTL),
		targetRate:  govern.NewRateLimiter(opts.TargetLimit, opts.RateWindow),
		tenantRate:  govern.NewRateLimiter(firstPositive(opts.TenantLimit, govern.DefaultTenantLimit), opts.RateWindow),
		bus:         opts.Bus,
		audit:       opts.Audit,
		log:         logger.Component("dispatcher"),
		pending:     make(map[string]*pendingRequest),
		done:        make(chan struct{}),
	}

	d.breaker = breaker.New(breaker.Settings{
		OnStateChange: d.onCircuitChange,
	})
	d.timeoutFor = d.tracker.RecommendedTimeout

	window := opts.RateWindow
	if window <= 0 {
		window = govern.DefaultWindow
	}
	go d.maintenanceLoop(window)

	return d
}

// maintenanceLoop drops expired rate-limit windows so the scope maps
// do not grow with every target and tenant ever seen.
func (d *Dispatcher) maintenanceLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.targetRate.Prune()
			d.tenantRate.Prune()
		}
	}
}

// SetSender installs the transport after construction. The dispatcher
// and transport reference each other, so one side has to be wired late.
func (d *Dispatcher) SetSender(sender Sender) {
	d.sender = sender
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Dispatch runs one request through the full pipeline and blocks until
// a response arrives, the adaptive deadline passes, or ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if req.TargetID == "" || req.OperationType == "" {
		return nil, &PermanentError{Message: "target_id and operation_type are required"}
	}

	// Unknown operations and malformed payloads never reach an agent;
	// rejecting here keeps them from consuming rate budget or a
	// correlation id.
	if err := printer.ValidatePayload(req.OperationType, req.Payload); err != nil {
		return nil, &PermanentError{Message: err.Error()}
	}

	// Replay a completed outcome before consuming any budget.
	if cached, found := d.idempotency.Check(req.TenantID, req.IdempotencyKey); found {
		d.log.Debug().
			Str("target_id", req.TargetID).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("Replaying cached response")
		return &Response{
			Success: cached.Success,
			Result:  cached.Result,
			Error:   cached.Error,
			Cached:  true,
		}, nil
	}

	if ok, resetIn := d.targetRate.Allow("target:" + req.TargetID); !ok {
		return nil, &RateLimitError{Scope: "target " + req.TargetID, ResetIn: resetIn}
	}
	if ok, resetIn := d.tenantRate.Allow("tenant:" + req.TenantID); !ok {
		return nil, &RateLimitError{Scope: "tenant " + req.TenantID, ResetIn: resetIn}
	}

	if !d.breaker.Allow(req.TargetID) {
		return nil, &CircuitOpenError{TargetID: req.TargetID}
	}

	conn, ok := d.registry.ResolveTarget(req.TargetID)
	if !ok {
		// The breaker admitted this request; an absent agent counts
		// against the target like any other transient failure.
		d.breaker.RecordFailure(req.TargetID, breaker.ClassTransient)
		return nil, &AgentUnavailableError{TargetID: req.TargetID}
	}

	timeout := d.timeoutFor(req.TargetID, req.OperationType)

	cmd := &protocol.CommandEnvelope{
		CorrelationID: protocol.NewCorrelationID(),
		TargetID:      req.TargetID,
		OperationType: req.OperationType,
		Payload:       req.Payload,
		DeadlineMs:    time.Now().Add(timeout).UnixMilli(),
	}

	pending := &pendingRequest{
		correlationID: cmd.CorrelationID,
		targetID:      req.TargetID,
		operationType: req.OperationType,
		connectionID:  conn.ConnectionID,
		done:          make(chan dispatchResult, 1),
		createdAt:     time.Now(),
	}

	d.mutex.Lock()
	d.pending[cmd.CorrelationID] = pending
	d.mutex.Unlock()
	defer d.unregister(cmd.CorrelationID)

	if err := d.sender.SendCommand(conn.Identity, cmd); err != nil {
		d.breaker.RecordFailure(req.TargetID, breaker.Classify(err))
		return nil, fmt.Errorf("failed to send command to agent: %w", err)
	}

	d.log.Debug().
		Str("correlation_id", cmd.CorrelationID).
		Str("target_id", req.TargetID).
		Str("operation_type", req.OperationType).
		Dur("timeout", timeout).
		Msg("Command dispatched")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// No dispatcher lock is held while waiting here.
	select {
	case result := <-pending.done:
		if result.local != nil {
			// The connection died under the request; the agent may or
			// may not have executed it, so nothing is cached.
			d.recordAudit(req, cmd.CorrelationID, "failure", result.local.Error(), time.Since(pending.createdAt))
			return nil, &TransientError{Message: result.local.Error(), Err: result.local}
		}
		return d.complete(req, pending, result.envelope)

	case <-timer.C:
		elapsed := time.Since(pending.createdAt)
		d.tracker.Record(req.TargetID, req.OperationType, timeout, true)
		d.breaker.RecordFailure(req.TargetID, breaker.ClassTransient)

		d.log.Warn().
			Str("correlation_id", cmd.CorrelationID).
			Str("target_id", req.TargetID).
			Dur("elapsed", elapsed).
			Msg("Request timed out")

		timeoutErr := &TimeoutError{TargetID: req.TargetID, Elapsed: elapsed}
		d.recordAudit(req, cmd.CorrelationID, "timeout", timeoutErr.Error(), elapsed)
		return nil, timeoutErr

	case <-ctx.Done():
		d.log.Debug().
			Str("correlation_id", cmd.CorrelationID).
			Msg("Dispatch cancelled by caller")
		return nil, ctx.Err()
	}
}

// complete turns an agent response envelope into a caller response,
// feeding the latency tracker, breaker and idempotency cache.
func (d *Dispatcher) complete(req *Request, pending *pendingRequest, envelope *protocol.ResponseEnvelope) (*Response, error) {
	elapsed := time.Since(pending.createdAt)
	d.tracker.Record(req.TargetID, req.OperationType, elapsed, !envelope.Success)

	resp := &Response{
		CorrelationID: envelope.CorrelationID,
		Success:       envelope.Success,
		Result:        envelope.Result,
		Error:         envelope.Error,
		ElapsedMs:     elapsed.Milliseconds(),
	}

	if envelope.Success {
		d.breaker.RecordSuccess(req.TargetID)
		d.idempotency.Store(req.TenantID, req.IdempotencyKey, &govern.CachedResponse{
			Success: true,
			Result:  envelope.Result,
		})
		d.recordAudit(req, envelope.CorrelationID, "success", "", elapsed)
		return resp, nil
	}

	class := breaker.ClassifyMessage(envelope.Error)
	d.breaker.RecordFailure(req.TargetID, class)

	// Completed failures are cached for replay just like successes;
	// only timeouts are left uncached.
	d.idempotency.Store(req.TenantID, req.IdempotencyKey, &govern.CachedResponse{
		Success: false,
		Error:   envelope.Error,
	})
	d.recordAudit(req, envelope.CorrelationID, "failure", envelope.Error, elapsed)

	if class == breaker.ClassPermanent {
		return resp, &PermanentError{Message: envelope.Error}
	}
	return resp, &TransientError{Message: envelope.Error}
}

// HandleResponse routes an agent response envelope to its waiting
// dispatch. Late or unknown correlation ids are discarded.
func (d *Dispatcher) HandleResponse(envelope *protocol.ResponseEnvelope) {
	d.mutex.Lock()
	pending, ok := d.pending[envelope.CorrelationID]
	if ok {
		delete(d.pending, envelope.CorrelationID)
	}
	d.mutex.Unlock()

	if !ok {
		d.log.Debug().
			Str("correlation_id", envelope.CorrelationID).
			Msg("Discarding response with no pending request")
		return
	}

	pending.done <- dispatchResult{envelope: envelope}
}

// FailConnection fails every pending request bound to a connection,
// used when a registration supersedes it or the agent disconnects.
func (d *Dispatcher) FailConnection(connectionID string, reason error) {
	d.mutex.Lock()
	var failed []*pendingRequest
	for id, pending := range d.pending {
		if pending.connectionID == connectionID {
			failed = append(failed, pending)
			delete(d.pending, id)
		}
	}
	d.mutex.Unlock()

	for _, pending := range failed {
		d.log.Warn().
			Str("correlation_id", pending.correlationID).
			Str("connection_id", connectionID).
			Err(reason).
			Msg("Failing pending request")

		pending.done <- dispatchResult{local: reason}
	}
}

// PendingCount returns the number of in-flight requests.
func (d *Dispatcher) PendingCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.pending)
}

// CircuitMetrics exposes breaker state for one target.
func (d *Dispatcher) CircuitMetrics(targetID string) breaker.Metrics {
	return d.breaker.Metrics(targetID)
}

// AllCircuitMetrics exposes breaker state for every known target.
func (d *Dispatcher) AllCircuitMetrics() []breaker.Metrics {
	return d.breaker.AllMetrics()
}

// ResetCircuit forces a target's breaker back to closed.
func (d *Dispatcher) ResetCircuit(targetID string) {
	d.breaker.Reset(targetID)
}

// LatencyReport exposes the tracker's per-series statistics.
func (d *Dispatcher) LatencyReport() []latency.SeriesReport {
	return d.tracker.Report()
}

// Close stops the maintenance loop and releases background resources.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
	d.idempotency.Close()
}

func (d *Dispatcher) unregister(correlationID string) {
	d.mutex.Lock()
	delete(d.pending, correlationID)
	d.mutex.Unlock()
}

func (d *Dispatcher) onCircuitChange(targetID string, from, to breaker.State) {
	d.log.Info().
		Str("target_id", targetID).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit state changed")

	if d.bus == nil {
		return
	}

	switch to {
	case breaker.StateOpen:
		d.bus.Publish(events.Event{
			Type:     events.TypeCircuitOpened,
			Severity: events.SeverityHigh,
			TargetID: targetID,
			Message:  fmt.Sprintf("circuit opened for target %s", targetID),
			Details:  map[string]interface{}{"from": from.String()},
		})
	case breaker.StateClosed:
		d.bus.Publish(events.Event{
			Type:     events.TypeCircuitClosed,
			Severity: events.SeverityLow,
			TargetID: targetID,
			Message:  fmt.Sprintf("circuit closed for target %s", targetID),
			Details:  map[string]interface{}{"from": from.String()},
		})
	}
}

func (d *Dispatcher) recordAudit(req *Request, correlationID, outcome, errMsg string, elapsed time.Duration) {
	if d.audit == nil {
		return
	}

	record := &AuditRecord{
		CorrelationID:  correlationID,
		TargetID:       req.TargetID,
		TenantID:       req.TenantID,
		OperationType:  req.OperationType,
		IdempotencyKey: req.IdempotencyKey,
		Outcome:        outcome,
		Error:          errMsg,
		ElapsedMs:      elapsed.Milliseconds(),
		CreatedAt:      time.Now(),
	}

	if err := d.audit.RecordDispatch(record); err != nil {
		d.log.Error().Err(err).Msg("Failed to record dispatch audit")
	}
}
