package agent

import (
	"testing"
	"time"
)

func TestNextDelayGrowsExponentially(t *testing.T) {
	rc := NewReconnectController()

	within := func(d, nominal time.Duration) bool {
		low := time.Duration(float64(nominal) * (1 - jitterFraction))
		high := time.Duration(float64(nominal) * (1 + jitterFraction))
		return d >= low && d <= high
	}

	if d := rc.NextDelay(); !within(d, BaseDelay) {
		t.Errorf("First delay should be near %v, got %v", BaseDelay, d)
	}

	rc.RecordFailure()
	if d := rc.NextDelay(); !within(d, 2*time.Second) {
		t.Errorf("Delay after one failure should be near 2s, got %v", d)
	}

	rc.RecordFailure()
	rc.RecordFailure()
	if d := rc.NextDelay(); !within(d, 8*time.Second) {
		t.Errorf("Delay after three failures should be near 8s, got %v", d)
	}
}

func TestNextDelayCapsAtCeiling(t *testing.T) {
	rc := NewReconnectController()

	for i := 0; i < 20; i++ {
		rc.RecordFailure()
	}

	max := time.Duration(float64(MaxDelay) * (1 + jitterFraction))
	for i := 0; i < 10; i++ {
		if d := rc.NextDelay(); d > max {
			t.Fatalf("Delay exceeded jittered ceiling: %v", d)
		}
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	rc := NewReconnectController()

	rc.RecordFailure()
	rc.RecordFailure()
	rc.RecordFailure()
	rc.RecordSuccess()

	nominalMax := time.Duration(float64(BaseDelay) * (1 + jitterFraction))
	if d := rc.NextDelay(); d > nominalMax {
		t.Errorf("Backoff should reset after success, got %v", d)
	}

	if rc.Reconnections() != 1 {
		t.Errorf("Recovery from a failure streak should count as one reconnection, got %d", rc.Reconnections())
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failures  int
		streak    int
		want      int
	}{
		{"no history", 0, 0, 0, 100},
		{"all successes", 10, 0, 0, 100},
		{"half failing no streak", 5, 5, 0, 50},
		{"streak penalty", 8, 2, 2, 60},
		{"penalty capped", 9, 1, 10, 40},
		{"floor at zero", 0, 10, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := NewReconnectController()
			rc.successes = tt.successes
			rc.failures = tt.failures
			rc.attempts = tt.successes + tt.failures
			rc.consecutiveFailures = tt.streak

			if got := rc.Score(); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}
