package latency

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"expo/internal/logger"
)

// Default tuning for the adaptive timeout calculation
const (
	DefaultCapacity   = 1000
	DefaultMinSamples = 10

	DefaultTimeout    = 15 * time.Second
	MinTimeout        = 5 * time.Second
	MaxTimeout        = 120 * time.Second
	TimeoutMultiplier = 1.5
)

// Sample is one recorded round trip for a (target, operation) pair
type Sample struct {
	RTT    time.Duration
	Failed bool
	At     time.Time
}

// Percentiles holds the derived latency distribution for one series
type Percentiles struct {
	P50 time.Duration `json:"p50_ms"`
	P75 time.Duration `json:"p75_ms"`
	P90 time.Duration `json:"p90_ms"`
	P95 time.Duration `json:"p95_ms"`
	P99 time.Duration `json:"p99_ms"`
}

// SeriesReport is an immutable snapshot of one (target, operation) series
type SeriesReport struct {
	TargetID           string        `json:"target_id"`
	OperationType      string        `json:"operation_type"`
	Samples            int           `json:"samples"`
	Failures           int           `json:"failures"`
	Percentiles        Percentiles   `json:"percentiles"`
	RecommendedTimeout time.Duration `json:"recommended_timeout_ms"`
}

// series is the bounded ring buffer of recent samples for one key.
// Percentiles are recomputed lazily: inserts mark the series dirty and
// the sorted view is rebuilt only when a reader asks for it.
type series struct {
	samples  []Sample
	next     int
	count    int
	failures int

	dirty  bool
	sorted []time.Duration

	mutex sync.Mutex
}

type key struct {
	target    string
	operation string
}

// Tracker records per-target, per-operation round-trip samples and
// recommends a timeout of clamp(p95 * 1.5, MinTimeout, MaxTimeout).
// Timed-out requests are recorded at their configured timeout value so
// repeated timeouts push the estimate upward.
type Tracker struct {
	capacity   int
	minSamples int

	series map[key]*series
	mutex  sync.RWMutex
	logger zerolog.Logger
}

// NewTracker creates a tracker with the default capacity and thresholds
func NewTracker() *Tracker {
	return NewTrackerWithCapacity(DefaultCapacity, DefaultMinSamples)
}

// NewTrackerWithCapacity creates a tracker with explicit ring capacity
// and minimum sample count
func NewTrackerWithCapacity(capacity, minSamples int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Tracker{
		capacity:   capacity,
		minSamples: minSamples,
		series:     make(map[key]*series),
		logger:     logger.Component("latency"),
	}
}

// Record adds one round-trip sample for a (target, operation) pair.
// failed marks samples from timed-out requests; they count toward the
// percentiles but are flagged so reporting can distinguish slow from failed.
func (t *Tracker) Record(targetID, operationType string, rtt time.Duration, failed bool) {
	s := t.getSeries(targetID, operationType)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.count == len(s.samples) {
		// Ring full: the slot at next holds the oldest sample
		if s.samples[s.next].Failed {
			s.failures--
		}
	} else {
		s.count++
	}

	s.samples[s.next] = Sample{RTT: rtt, Failed: failed, At: time.Now()}
	s.next = (s.next + 1) % len(s.samples)
	if failed {
		s.failures++
	}
	s.dirty = true
}

// RecommendedTimeout returns the adaptive timeout for a (target, operation)
// pair. With fewer than the minimum sample count it returns the fixed
// default rather than a statistically unstable estimate.
func (t *Tracker) RecommendedTimeout(targetID, operationType string) time.Duration {
	t.mutex.RLock()
	s, exists := t.series[key{targetID, operationType}]
	t.mutex.RUnlock()

	if !exists {
		return DefaultTimeout
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.count < t.minSamples {
		return DefaultTimeout
	}

	p95 := s.percentileLocked(95)
	timeout := time.Duration(math.Ceil(float64(p95) * TimeoutMultiplier))
	if timeout < MinTimeout {
		return MinTimeout
	}
	if timeout > MaxTimeout {
		return MaxTimeout
	}
	return timeout
}

// Percentiles returns the latency distribution for a (target, operation)
// pair, or false if no samples have been recorded
func (t *Tracker) Percentiles(targetID, operationType string) (Percentiles, bool) {
	t.mutex.RLock()
	s, exists := t.series[key{targetID, operationType}]
	t.mutex.RUnlock()

	if !exists {
		return Percentiles{}, false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.count == 0 {
		return Percentiles{}, false
	}
	return s.percentilesLocked(), true
}

// Report returns snapshots of every tracked series
func (t *Tracker) Report() []SeriesReport {
	t.mutex.RLock()
	keys := make([]key, 0, len(t.series))
	for k := range t.series {
		keys = append(keys, k)
	}
	t.mutex.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].target != keys[j].target {
			return keys[i].target < keys[j].target
		}
		return keys[i].operation < keys[j].operation
	})

	reports := make([]SeriesReport, 0, len(keys))
	for _, k := range keys {
		t.mutex.RLock()
		s := t.series[k]
		t.mutex.RUnlock()
		if s == nil {
			continue
		}

		s.mutex.Lock()
		report := SeriesReport{
			TargetID:      k.target,
			OperationType: k.operation,
			Samples:       s.count,
			Failures:      s.failures,
		}
		if s.count > 0 {
			report.Percentiles = s.percentilesLocked()
		}
		s.mutex.Unlock()

		report.RecommendedTimeout = t.RecommendedTimeout(k.target, k.operation)
		reports = append(reports, report)
	}
	return reports
}

// Reset clears the series for a (target, operation) pair. This is an
// operator action; normal operation never clears samples.
func (t *Tracker) Reset(targetID, operationType string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	delete(t.series, key{targetID, operationType})
	t.logger.Info().
		Str("target_id", targetID).
		Str("operation_type", operationType).
		Msg("Latency series reset")
}

// getSeries returns the series for a key, creating it if needed
func (t *Tracker) getSeries(targetID, operationType string) *series {
	k := key{targetID, operationType}

	t.mutex.RLock()
	s, exists := t.series[k]
	t.mutex.RUnlock()
	if exists {
		return s
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if s, exists = t.series[k]; exists {
		return s
	}
	s = &series{samples: make([]Sample, t.capacity)}
	t.series[k] = s
	return s
}

// percentilesLocked computes all reported percentiles; caller holds s.mutex
func (s *series) percentilesLocked() Percentiles {
	return Percentiles{
		P50: s.percentileLocked(50),
		P75: s.percentileLocked(75),
		P90: s.percentileLocked(90),
		P95: s.percentileLocked(95),
		P99: s.percentileLocked(99),
	}
}

// percentileLocked returns the pth percentile; caller holds s.mutex
func (s *series) percentileLocked(p int) time.Duration {
	if s.count == 0 {
		return 0
	}

	if s.dirty || len(s.sorted) != s.count {
		s.sorted = s.sorted[:0]
		for i := 0; i < s.count; i++ {
			s.sorted = append(s.sorted, s.samples[i].RTT)
		}
		sort.Slice(s.sorted, func(i, j int) bool { return s.sorted[i] < s.sorted[j] })
		s.dirty = false
	}

	idx := (p * s.count) / 100
	if idx >= s.count {
		idx = s.count - 1
	}
	return s.sorted[idx]
}
