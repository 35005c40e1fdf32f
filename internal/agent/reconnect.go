package agent

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// BaseDelay is the first reconnection delay.
	BaseDelay = time.Second
	// MaxDelay caps the exponential backoff.
	MaxDelay = 60 * time.Second
	// jitterFraction spreads delays so a fleet of agents does not
	// reconnect in lockstep after a coordinator restart.
	jitterFraction = 0.25
)

// ReconnectController tracks connection attempt history and produces
// backoff delays with jitter.
type ReconnectController struct {
	attempts            int
	successes           int
	failures            int
	consecutiveFailures int
	reconnections       int
	mutex               sync.Mutex
	rng                 *rand.Rand
}

// NewReconnectController creates a reconnect controller
func NewReconnectController() *ReconnectController {
	return &ReconnectController{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns how long to wait before the next attempt. The delay
// doubles per consecutive failure from BaseDelay up to MaxDelay, with
// jitter applied.
func (rc *ReconnectController) NextDelay() time.Duration {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	delay := BaseDelay
	for i := 0; i < rc.consecutiveFailures && delay < MaxDelay; i++ {
		delay *= 2
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}

	jitter := 1 + jitterFraction*(2*rc.rng.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

// RecordSuccess notes a successful connection attempt.
func (rc *ReconnectController) RecordSuccess() {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	rc.attempts++
	rc.successes++
	if rc.consecutiveFailures > 0 {
		rc.reconnections++
	}
	rc.consecutiveFailures = 0
}

// RecordFailure notes a failed connection attempt.
func (rc *ReconnectController) RecordFailure() {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	rc.attempts++
	rc.failures++
	rc.consecutiveFailures++
}

// Reconnections returns how many times the controller has recovered
// from a failure streak.
func (rc *ReconnectController) Reconnections() int {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	return rc.reconnections
}

// Score rates connection stability from 0 to 100: the success ratio
// minus a penalty for the current failure streak.
func (rc *ReconnectController) Score() int {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	if rc.attempts == 0 {
		return 100
	}

	score := rc.successes * 100 / rc.attempts

	penalty := rc.consecutiveFailures * 10
	if penalty > 50 {
		penalty = 50
	}
	score -= penalty

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
