// Package stats tracks per-outcome counters for the periodic console line and
// the admin status endpoint.
package stats

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Packet outcomes.
const (
	Received   = "received"
	ParseError = "parse_error"
	ChaseCar   = "chase_car"
	Balloon    = "balloon"
	Accepted   = "accepted"
	Rejected   = "rejected"
	Ignored    = "ignored"
	BuildError = "build_error"
)

// Delivery outcomes.
const (
	TelemetryPublished = "telemetry_published"
	TelemetryFailed    = "telemetry_failed"
	ListenerUploaded   = "listener_uploaded"
	ListenerFailed     = "listener_failed"
	MessageSent        = "message_sent"
	MessageFailed      = "message_failed"
	QueueDropped       = "queue_dropped"
)

// Tracker counts packet outcomes, rejection reasons, deliveries and
// telemetry models. It is safe for concurrent use.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-packet increments don't fight over a mutex
	outcomes   sync.Map // string -> *atomic.Uint64
	rejects    sync.Map
	deliveries sync.Map
	models     sync.Map
	start      atomic.Int64
}

// NewTracker creates a new stats tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementOutcome counts one packet outcome (Received, Accepted, ...).
func (t *Tracker) IncrementOutcome(name string) {
	incrementCounter(&t.outcomes, name)
}

// IncrementReject counts one classifier rejection by reason.
func (t *Tracker) IncrementReject(reason string) {
	incrementCounter(&t.rejects, reason)
}

// IncrementDelivery counts one delivery outcome (TelemetryPublished, ...).
func (t *Tracker) IncrementDelivery(name string) {
	incrementCounter(&t.deliveries, name)
}

// IncrementModel counts a forwarded telemetry record by tracker model.
func (t *Tracker) IncrementModel(model string) {
	incrementCounter(&t.models, model)
}

// Outcome returns the current count for one outcome.
func (t *Tracker) Outcome(name string) uint64 {
	return loadCounter(&t.outcomes, name)
}

// Delivery returns the current count for one delivery outcome.
func (t *Tracker) Delivery(name string) uint64 {
	return loadCounter(&t.deliveries, name)
}

// Reject returns the current count for one rejection reason.
func (t *Tracker) Reject(reason string) uint64 {
	return loadCounter(&t.rejects, reason)
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Uptime     time.Duration     `json:"-"`
	UptimeText string            `json:"uptime"`
	Outcomes   map[string]uint64 `json:"outcomes"`
	Rejects    map[string]uint64 `json:"rejects"`
	Deliveries map[string]uint64 `json:"deliveries"`
	Models     map[string]uint64 `json:"models"`
}

// Snapshot copies all counters.
func (t *Tracker) Snapshot() Snapshot {
	up := t.Uptime()
	return Snapshot{
		Uptime:     up,
		UptimeText: up.Truncate(time.Second).String(),
		Outcomes:   copyCounts(&t.outcomes),
		Rejects:    copyCounts(&t.rejects),
		Deliveries: copyCounts(&t.deliveries),
		Models:     copyCounts(&t.models),
	}
}

// Uptime returns how long the tracker has been running.
func (t *Tracker) Uptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

// Reset clears all counters and restarts the uptime clock.
func (t *Tracker) Reset() {
	for _, m := range []*sync.Map{&t.outcomes, &t.rejects, &t.deliveries, &t.models} {
		m.Range(func(key, _ any) bool {
			m.Delete(key)
			return true
		})
	}
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	return []string{
		formatMapCounts("Packets", &t.outcomes),
		formatMapCounts("Rejected by reason", &t.rejects),
		formatMapCounts("Deliveries", &t.deliveries),
		formatMapCounts("Models", &t.models),
	}
}

func formatMapCounts(label string, counts *sync.Map) string {
	snapshot := copyCounts(counts)
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(keys) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString(k)
		builder.WriteByte('=')
		builder.WriteString(humanize.Comma(int64(snapshot[k])))
	}
	return builder.String()
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func loadCounter(m *sync.Map, key string) uint64 {
	if value, ok := m.Load(key); ok {
		return value.(*atomic.Uint64).Load()
	}
	return 0
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
