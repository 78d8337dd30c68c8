package ratelimit

import (
	"testing"
	"time"
)

func TestCounterThrottles(t *testing.T) {
	c := NewCounter(time.Hour)
	if _, ok := c.Inc(); !ok {
		t.Fatalf("first increment should be allowed to log")
	}
	for i := 0; i < 5; i++ {
		if _, ok := c.Inc(); ok {
			t.Fatalf("increment %d should be throttled", i)
		}
	}
	if c.Total() != 6 {
		t.Fatalf("total = %d, want 6", c.Total())
	}
}

func TestCounterWithoutIntervalAlwaysLogs(t *testing.T) {
	c := NewCounter(0)
	for i := 1; i <= 3; i++ {
		total, ok := c.Inc()
		if !ok || total != uint64(i) {
			t.Fatalf("Inc() = %d, %v", total, ok)
		}
	}
	var nilCounter *Counter
	if _, ok := nilCounter.Inc(); ok {
		t.Fatalf("nil counter must not log")
	}
}
