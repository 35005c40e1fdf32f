package latency

import (
	"testing"
	"time"
)

func TestRecommendedTimeout(t *testing.T) {
	t.Run("DefaultWithNoSamples", func(t *testing.T) {
		tracker := NewTracker()
		if got := tracker.RecommendedTimeout("P1", "print.test"); got != DefaultTimeout {
			t.Errorf("Expected default timeout %v, got %v", DefaultTimeout, got)
		}
	})

	t.Run("DefaultBelowMinSamples", func(t *testing.T) {
		tracker := NewTracker()
		for i := 0; i < DefaultMinSamples-1; i++ {
			tracker.Record("P1", "print.test", 100*time.Millisecond, false)
		}
		if got := tracker.RecommendedTimeout("P1", "print.test"); got != DefaultTimeout {
			t.Errorf("Expected default timeout below min samples, got %v", got)
		}
	})

	t.Run("ClampedToMinTimeout", func(t *testing.T) {
		tracker := NewTracker()
		for i := 0; i < 50; i++ {
			tracker.Record("P1", "print.test", 100*time.Millisecond, false)
		}
		// p95*1.5 = 150ms, well below the floor
		if got := tracker.RecommendedTimeout("P1", "print.test"); got != MinTimeout {
			t.Errorf("Expected min timeout %v, got %v", MinTimeout, got)
		}
	})

	t.Run("ClampedToMaxTimeout", func(t *testing.T) {
		tracker := NewTracker()
		for i := 0; i < 50; i++ {
			tracker.Record("P1", "print.test", 5*time.Minute, false)
		}
		if got := tracker.RecommendedTimeout("P1", "print.test"); got != MaxTimeout {
			t.Errorf("Expected max timeout %v, got %v", MaxTimeout, got)
		}
	})

	t.Run("MonotonicInP95", func(t *testing.T) {
		tracker := NewTracker()
		for i := 0; i < 50; i++ {
			tracker.Record("P1", "print.job", 4*time.Second, false)
		}
		before := tracker.RecommendedTimeout("P1", "print.job")

		for i := 0; i < 50; i++ {
			tracker.Record("P1", "print.job", 20*time.Second, false)
		}
		after := tracker.RecommendedTimeout("P1", "print.job")

		if after < before {
			t.Errorf("Expected timeout to be non-decreasing as p95 rises: before=%v after=%v", before, after)
		}
		if before < MinTimeout || after > MaxTimeout {
			t.Errorf("Recommendations outside [%v, %v]: before=%v after=%v", MinTimeout, MaxTimeout, before, after)
		}
	})

	t.Run("TimeoutsPushEstimateUp", func(t *testing.T) {
		// Scenario: 20 fast samples, then 5 timeouts recorded at the
		// default timeout value. The estimate must rise.
		tracker := NewTracker()
		for i := 0; i < 20; i++ {
			tracker.Record("P1", "print.test", 100*time.Millisecond, false)
		}
		before := tracker.RecommendedTimeout("P1", "print.test")

		for i := 0; i < 5; i++ {
			tracker.Record("P1", "print.test", DefaultTimeout, true)
		}
		after := tracker.RecommendedTimeout("P1", "print.test")

		if after <= before {
			t.Errorf("Expected timeouts to raise the estimate: before=%v after=%v", before, after)
		}
	})
}

func TestRingEviction(t *testing.T) {
	tracker := NewTrackerWithCapacity(10, 5)

	// Overfill with failures, then flood with successes; failure count
	// must drop as the old flagged samples get evicted
	for i := 0; i < 10; i++ {
		tracker.Record("P1", "op", time.Second, true)
	}
	for i := 0; i < 10; i++ {
		tracker.Record("P1", "op", time.Second, false)
	}

	reports := tracker.Report()
	if len(reports) != 1 {
		t.Fatalf("Expected 1 series, got %d", len(reports))
	}
	if reports[0].Samples != 10 {
		t.Errorf("Expected 10 samples after eviction, got %d", reports[0].Samples)
	}
	if reports[0].Failures != 0 {
		t.Errorf("Expected 0 failures after eviction, got %d", reports[0].Failures)
	}
}

func TestPercentiles(t *testing.T) {
	tracker := NewTracker()
	for i := 1; i <= 100; i++ {
		tracker.Record("P1", "op", time.Duration(i)*time.Millisecond, false)
	}

	p, ok := tracker.Percentiles("P1", "op")
	if !ok {
		t.Fatal("Expected percentiles for recorded series")
	}
	if p.P50 < 40*time.Millisecond || p.P50 > 60*time.Millisecond {
		t.Errorf("Expected p50 near 50ms, got %v", p.P50)
	}
	if p.P95 < 90*time.Millisecond {
		t.Errorf("Expected p95 >= 90ms, got %v", p.P95)
	}
	if p.P99 < p.P95 || p.P95 < p.P50 {
		t.Errorf("Expected ordered percentiles, got p50=%v p95=%v p99=%v", p.P50, p.P95, p.P99)
	}
}

func TestReset(t *testing.T) {
	tracker := NewTracker()
	for i := 0; i < 50; i++ {
		tracker.Record("P1", "op", time.Second, false)
	}
	tracker.Reset("P1", "op")

	if _, ok := tracker.Percentiles("P1", "op"); ok {
		t.Error("Expected no percentiles after reset")
	}
	if got := tracker.RecommendedTimeout("P1", "op"); got != DefaultTimeout {
		t.Errorf("Expected default timeout after reset, got %v", got)
	}
}

func TestSeriesIndependence(t *testing.T) {
	tracker := NewTracker()
	for i := 0; i < 50; i++ {
		tracker.Record("P1", "op", 80*time.Second, false)
		tracker.Record("P2", "op", 100*time.Millisecond, false)
	}

	slow := tracker.RecommendedTimeout("P1", "op")
	fast := tracker.RecommendedTimeout("P2", "op")
	if slow <= fast {
		t.Errorf("Expected independent series: slow=%v fast=%v", slow, fast)
	}
}
