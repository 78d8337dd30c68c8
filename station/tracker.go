// Package station remembers where stations were last heard and rate-limits
// the two per-station notifications the gateway emits: listener position
// uploads (keyed by uploading station) and courtesy messages (keyed by
// payload callsign).
package station

import (
	"sync"
	"time"

	"aprsgw/aprs"
)

// Defaults for Config.
const (
	DefaultListenerCooldown    = 10 * time.Minute
	DefaultMessageCooldown     = 4 * time.Hour
	DefaultMinListenerAltitude = 1500.0 // metres
)

// SkipReason explains why ShouldUploadListener declined.
type SkipReason string

const (
	SkipNone        SkipReason = ""
	SkipLowAltitude SkipReason = "balloon_low_altitude"
	SkipNoPosition  SkipReason = "no_position"
	SkipCooldown    SkipReason = "cooldown"
)

// Config tunes the tracker. Zero durations and altitude use the defaults.
type Config struct {
	ListenerCooldown    time.Duration
	MessageCooldown     time.Duration
	MinListenerAltitude float64
	// MaxStations caps the position cache, evicting the least recently heard
	// station. Zero keeps every station for the life of the process.
	MaxStations int
}

// Entry is the last known state of one station.
type Entry struct {
	Callsign   string
	Latitude   float64
	Longitude  float64
	Altitude   float64 // 0 when the station did not report one
	Comment    *string
	LastSeen   time.Time
	LastUpload time.Time // zero until a listener record was sent
}

// Tracker is safe for concurrent use; all state sits behind one mutex so
// check-and-record operations are atomic.
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	positions map[string]*Entry
	messages  map[string]time.Time
	quit      chan struct{}
}

// New builds a Tracker.
func New(cfg Config) *Tracker {
	if cfg.ListenerCooldown <= 0 {
		cfg.ListenerCooldown = DefaultListenerCooldown
	}
	if cfg.MessageCooldown <= 0 {
		cfg.MessageCooldown = DefaultMessageCooldown
	}
	if cfg.MinListenerAltitude <= 0 {
		cfg.MinListenerAltitude = DefaultMinListenerAltitude
	}
	if cfg.MaxStations < 0 {
		cfg.MaxStations = 0
	}
	return &Tracker{
		cfg:       cfg,
		positions: make(map[string]*Entry),
		messages:  make(map[string]time.Time),
	}
}

// Observe upserts the position of the packet's source station. Packets with
// no callsign or no position are ignored. The last listener upload time
// survives the upsert.
func (t *Tracker) Observe(p *aprs.Packet, now time.Time) {
	if p == nil || p.From == "" || !p.HasPosition {
		return
	}
	alt := 0.0
	if p.Altitude != nil {
		alt = *p.Altitude
	}
	var comment *string
	if p.Comment != nil {
		c := *p.Comment
		comment = &c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.positions[p.From]
	if !ok {
		t.evictLocked()
		e = &Entry{Callsign: p.From}
		t.positions[p.From] = e
	}
	e.Latitude = p.Latitude
	e.Longitude = p.Longitude
	e.Altitude = alt
	e.Comment = comment
	e.LastSeen = now
}

// Position returns a copy of the station's entry.
func (t *Tracker) Position(call string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.positions[call]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of stations in the position cache.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// ShouldUploadListener decides whether a listener record for call should be
// sent after hearing a balloon at balloonAlt metres. On true the upload time
// is recorded and the returned Entry is the position to upload.
func (t *Tracker) ShouldUploadListener(call string, balloonAlt float64, now time.Time) (Entry, bool, SkipReason) {
	if balloonAlt <= t.cfg.MinListenerAltitude {
		return Entry{}, false, SkipLowAltitude
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.positions[call]
	if !ok {
		return Entry{}, false, SkipNoPosition
	}
	if !e.LastUpload.IsZero() && now.Sub(e.LastUpload) < t.cfg.ListenerCooldown {
		return *e, false, SkipCooldown
	}
	e.LastUpload = now
	return *e, true, SkipNone
}

// ShouldMessage reports whether a courtesy message may be sent to call and,
// when it may, records the send.
func (t *Tracker) ShouldMessage(call string, now time.Time) bool {
	if call == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.messages[call]; ok && now.Sub(last) < t.cfg.MessageCooldown {
		return false
	}
	t.messages[call] = now
	return true
}

// PruneMessages forgets message cooldowns that have already expired, keeping
// the map proportional to recently messaged payloads.
func (t *Tracker) PruneMessages(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for call, last := range t.messages {
		if now.Sub(last) >= t.cfg.MessageCooldown {
			delete(t.messages, call)
			removed++
		}
	}
	return removed
}

// StartCleanup runs PruneMessages on a ticker until StopCleanup.
func (t *Tracker) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t.mu.Lock()
	if t.quit != nil {
		t.mu.Unlock()
		return
	}
	t.quit = make(chan struct{})
	quit := t.quit
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.PruneMessages(time.Now().UTC())
			case <-quit:
				return
			}
		}
	}()
}

// StopCleanup stops the background cleanup ticker.
func (t *Tracker) StopCleanup() {
	t.mu.Lock()
	if t.quit != nil {
		close(t.quit)
		t.quit = nil
	}
	t.mu.Unlock()
}

// evictLocked drops the least recently heard station when the cap is reached.
func (t *Tracker) evictLocked() {
	if t.cfg.MaxStations == 0 || len(t.positions) < t.cfg.MaxStations {
		return
	}
	var oldest string
	var oldestSeen time.Time
	for call, e := range t.positions {
		if oldest == "" || e.LastSeen.Before(oldestSeen) {
			oldest, oldestSeen = call, e.LastSeen
		}
	}
	delete(t.positions, oldest)
}
