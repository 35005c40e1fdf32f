package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"expo/internal/logger"
)

// State represents the circuit state for one target
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Default breaker tuning
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenDuration     = 30 * time.Second
)

// Settings configures a Breaker
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration

	// OnStateChange is invoked outside any breaker lock whenever a
	// target transitions between states
	OnStateChange func(targetID string, from, to State)

	// Now overrides the clock, for tests
	Now func() time.Time
}

// Metrics is an immutable snapshot of one target's breaker state
type Metrics struct {
	TargetID            string    `json:"target_id"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int      `json:"consecutive_successes"`
	TransientFailures   int       `json:"transient_failures"`
	PermanentFailures   int       `json:"permanent_failures"`
	UnknownFailures     int       `json:"unknown_failures"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// target holds the breaker state machine for one target id.
// Each target has its own mutex so unrelated targets never serialize.
type target struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	transientFailures    int
	permanentFailures    int
	unknownFailures      int
	lastStateChange      time.Time
	openedAt             time.Time
	probeInflight        bool

	mutex sync.Mutex
}

// Breaker is a per-target failure/success state machine. CLOSED targets
// pass traffic; after FailureThreshold consecutive transient failures the
// target OPENs and rejects immediately. Once OpenDuration elapses a single
// probe is allowed through (HALF_OPEN); SuccessThreshold consecutive probe
// successes close the circuit again, one probe failure re-opens it.
//
// Breakers are per-target: one failing printer never affects another
// target's requests. The Breaker is an injectable component, not a
// package-level singleton, so tests and multiple coordinators can hold
// independent instances.
type Breaker struct {
	settings Settings
	targets  map[string]*target
	mutex    sync.RWMutex
	logger   zerolog.Logger
}

// New creates a Breaker, filling unset settings with defaults
func New(settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultFailureThreshold
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = DefaultSuccessThreshold
	}
	if settings.OpenDuration <= 0 {
		settings.OpenDuration = DefaultOpenDuration
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Breaker{
		settings: settings,
		targets:  make(map[string]*target),
		logger:   logger.Component("breaker"),
	}
}

// Allow reports whether a request to the target may proceed. In OPEN it
// returns false until the open duration has elapsed, then admits exactly
// one probe and moves the target to HALF_OPEN. A HALF_OPEN target admits
// the next probe only after the previous one has resolved.
func (b *Breaker) Allow(targetID string) bool {
	t := b.getTarget(targetID)
	now := b.settings.Now()

	t.mutex.Lock()

	switch t.state {
	case StateClosed:
		t.mutex.Unlock()
		return true

	case StateOpen:
		if now.Sub(t.openedAt) < b.settings.OpenDuration {
			t.mutex.Unlock()
			return false
		}
		// Open duration elapsed: admit one probe
		from := t.state
		t.state = StateHalfOpen
		t.consecutiveSuccesses = 0
		t.probeInflight = true
		t.lastStateChange = now
		t.mutex.Unlock()

		b.notify(targetID, from, StateHalfOpen)
		return true

	case StateHalfOpen:
		if t.probeInflight {
			t.mutex.Unlock()
			return false
		}
		t.probeInflight = true
		t.mutex.Unlock()
		return true
	}

	t.mutex.Unlock()
	return false
}

// RecordSuccess feeds a successful outcome into the target's breaker
func (b *Breaker) RecordSuccess(targetID string) {
	t := b.getTarget(targetID)
	now := b.settings.Now()

	t.mutex.Lock()
	var from, to State

	t.consecutiveFailures = 0

	switch t.state {
	case StateHalfOpen:
		t.probeInflight = false
		t.consecutiveSuccesses++
		if t.consecutiveSuccesses >= b.settings.SuccessThreshold {
			from, to = t.state, StateClosed
			t.state = StateClosed
			t.consecutiveSuccesses = 0
			t.lastStateChange = now
		}
	default:
	}
	t.mutex.Unlock()

	if to == StateClosed && from != to {
		b.logger.Info().Str("target_id", targetID).Msg("Circuit closed after successful probes")
		b.notify(targetID, from, to)
	}
}

// RecordFailure feeds a failed outcome with its classification into the
// target's breaker. Permanent failures are counted for metrics but never
// trip the breaker: retrying a malformed or unauthorized request will not
// help, so they say nothing about target health.
func (b *Breaker) RecordFailure(targetID string, class Classification) {
	t := b.getTarget(targetID)
	now := b.settings.Now()

	t.mutex.Lock()

	if !class.Counted() {
		t.permanentFailures++
		if t.state == StateHalfOpen {
			// Free the probe slot without judging the target
			t.probeInflight = false
		}
		t.mutex.Unlock()
		return
	}
	if class == ClassTransient {
		t.transientFailures++
	} else {
		t.unknownFailures++
	}

	var from, to State
	tripped := false

	switch t.state {
	case StateClosed:
		t.consecutiveFailures++
		if t.consecutiveFailures >= b.settings.FailureThreshold {
			from, to = t.state, StateOpen
			t.state = StateOpen
			t.openedAt = now
			t.lastStateChange = now
			tripped = true
		}
	case StateHalfOpen:
		// A single probe failure re-opens immediately and resets the timer
		from, to = t.state, StateOpen
		t.state = StateOpen
		t.openedAt = now
		t.lastStateChange = now
		t.probeInflight = false
		t.consecutiveSuccesses = 0
		t.consecutiveFailures++
		tripped = true
	case StateOpen:
		t.consecutiveFailures++
	}
	t.mutex.Unlock()

	if tripped {
		b.logger.Warn().
			Str("target_id", targetID).
			Str("from", from.String()).
			Msg("Circuit opened")
		b.notify(targetID, from, to)
	}
}

// Metrics returns a snapshot of one target's breaker state
func (b *Breaker) Metrics(targetID string) Metrics {
	t := b.getTarget(targetID)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	return Metrics{
		TargetID:             targetID,
		State:                t.state.String(),
		ConsecutiveFailures:  t.consecutiveFailures,
		ConsecutiveSuccesses: t.consecutiveSuccesses,
		TransientFailures:    t.transientFailures,
		PermanentFailures:    t.permanentFailures,
		UnknownFailures:      t.unknownFailures,
		LastStateChange:      t.lastStateChange,
	}
}

// AllMetrics returns snapshots for every known target
func (b *Breaker) AllMetrics() []Metrics {
	b.mutex.RLock()
	ids := make([]string, 0, len(b.targets))
	for id := range b.targets {
		ids = append(ids, id)
	}
	b.mutex.RUnlock()

	metrics := make([]Metrics, 0, len(ids))
	for _, id := range ids {
		metrics = append(metrics, b.Metrics(id))
	}
	return metrics
}

// Reset returns a target to CLOSED with zeroed counters. Breaker state is
// never deleted during normal operation, only reset.
func (b *Breaker) Reset(targetID string) {
	t := b.getTarget(targetID)

	t.mutex.Lock()
	from := t.state
	t.state = StateClosed
	t.consecutiveFailures = 0
	t.consecutiveSuccesses = 0
	t.transientFailures = 0
	t.permanentFailures = 0
	t.unknownFailures = 0
	t.probeInflight = false
	t.lastStateChange = b.settings.Now()
	t.mutex.Unlock()

	if from != StateClosed {
		b.notify(targetID, from, StateClosed)
	}
}

// State returns the current state for a target
func (b *Breaker) State(targetID string) State {
	t := b.getTarget(targetID)
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state
}

func (b *Breaker) getTarget(targetID string) *target {
	b.mutex.RLock()
	t, exists := b.targets[targetID]
	b.mutex.RUnlock()
	if exists {
		return t
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if t, exists = b.targets[targetID]; exists {
		return t
	}
	t = &target{state: StateClosed, lastStateChange: b.settings.Now()}
	b.targets[targetID] = t
	return t
}

func (b *Breaker) notify(targetID string, from, to State) {
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(targetID, from, to)
	}
}
