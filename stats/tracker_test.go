package stats

import (
	"sync"
	"testing"
)

func TestTrackerCountsConcurrently(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.IncrementOutcome(Received)
			}
		}()
	}
	wg.Wait()
	if got := tr.Outcome(Received); got != 8000 {
		t.Fatalf("received = %d, want 8000", got)
	}
}

func TestSnapshotLinesAreSortedAndHumanized(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 1200; i++ {
		tr.IncrementOutcome(Received)
	}
	tr.IncrementOutcome(Accepted)
	tr.IncrementReject("blocked_tocall")
	tr.IncrementOutcome("  ")

	lines := tr.SnapshotLines()
	if lines[0] != "Packets: accepted=1, received=1,200" {
		t.Fatalf("unexpected packets line %q", lines[0])
	}
	if lines[1] != "Rejected by reason: blocked_tocall=1" {
		t.Fatalf("unexpected reject line %q", lines[1])
	}
	if lines[2] != "Deliveries: (none)" {
		t.Fatalf("unexpected deliveries line %q", lines[2])
	}
}

func TestResetClearsCounters(t *testing.T) {
	tr := NewTracker()
	tr.IncrementDelivery(TelemetryPublished)
	tr.IncrementModel("RS41ng")
	tr.Reset()
	snap := tr.Snapshot()
	if len(snap.Deliveries) != 0 || len(snap.Models) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}
