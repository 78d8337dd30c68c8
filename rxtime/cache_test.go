package rxtime

import (
	"strconv"
	"testing"
	"time"

	"aprsgw/aprs"

	"pgregory.net/rapid"
)

func pkt(raw string) *aprs.Packet {
	return &aprs.Packet{Raw: raw}
}

func TestResolveUsesPacketTimestamp(t *testing.T) {
	c := New(0)
	p := pkt("VK5QI>APRS:/231308h...")
	p.Timestamp = 1681427588
	got := c.Resolve(p, time.Now())
	if !got.Equal(time.Unix(1681427588, 0)) || got.Location() != time.UTC {
		t.Fatalf("Resolve = %v", got)
	}
	if c.Len() != 0 {
		t.Fatalf("timestamped packets must not be cached, len=%d", c.Len())
	}
}

func TestResolveIsIdempotentAcrossGates(t *testing.T) {
	c := New(0)
	first := time.Date(2023, 4, 13, 15, 54, 54, 121763000, time.UTC)
	a := c.Resolve(pkt("KF0GOR-12>CQ,WIDE2-1,qAR,SIMLA:!4003.46N/10421.62WO"), first)
	b := c.Resolve(pkt("KF0GOR-12>CQ,WIDE1-1,qAR,K0ABC:!4003.46N/10421.62WO"), first.Add(3*time.Second))
	if !a.Equal(first) || !b.Equal(first) {
		t.Fatalf("expected both gates to resolve to %v, got %v and %v", first, a, b)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestFIFOEvictsFirstInserted(t *testing.T) {
	c := New(DefaultCapacity)
	now := time.Now()
	for i := 0; i <= DefaultCapacity; i++ {
		c.Resolve(pkt("N0CALL>APRS:"+strconv.Itoa(i)), now)
	}
	if c.Len() != DefaultCapacity {
		t.Fatalf("len = %d, want %d", c.Len(), DefaultCapacity)
	}
	if c.Contains("0") {
		t.Fatalf("first inserted body should have been evicted")
	}
	if !c.Contains("1") || !c.Contains(strconv.Itoa(DefaultCapacity)) {
		t.Fatalf("expected the newest bodies to remain")
	}
}

func TestLookupDoesNotRefreshOrder(t *testing.T) {
	c := New(2)
	t0 := time.Unix(100, 0)
	c.Resolve(pkt("A>B:one"), t0)
	c.Resolve(pkt("A>B:two"), t0)
	c.Resolve(pkt("A>B:one"), t0.Add(time.Minute)) // hit, not a refresh
	c.Resolve(pkt("A>B:three"), t0)
	if c.Contains("one") {
		t.Fatalf("oldest insert must be evicted even after a lookup")
	}
	if !c.Contains("two") || !c.Contains("three") {
		t.Fatalf("unexpected eviction")
	}
}

func TestCacheNeverExceedsCapacity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 50).Draw(t, "capacity")
		bodies := rapid.SliceOf(rapid.IntRange(0, 200)).Draw(t, "bodies")
		c := New(capacity)
		distinct := make(map[int]struct{})
		for _, b := range bodies {
			c.Resolve(pkt("A>B:"+strconv.Itoa(b)), time.Unix(0, 0))
			distinct[b] = struct{}{}
			if c.Len() > capacity {
				t.Fatalf("len %d exceeds capacity %d", c.Len(), capacity)
			}
		}
		want := len(distinct)
		if want > capacity {
			want = capacity
		}
		if c.Len() != want {
			t.Fatalf("len = %d, want %d", c.Len(), want)
		}
		if len(bodies) > 0 && !c.Contains(strconv.Itoa(bodies[len(bodies)-1])) {
			t.Fatalf("most recent body must be present")
		}
	})
}
