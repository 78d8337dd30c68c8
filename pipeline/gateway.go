// Package pipeline runs each APRS-IS line through the gateway: parse, route
// chase cars, classify balloon candidates, build and forward records, and
// keep the station caches current.
package pipeline

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"aprsgw/aprs"
	"aprsgw/classify"
	"aprsgw/rxtime"
	"aprsgw/station"
	"aprsgw/stats"
	"aprsgw/telemetry"
	"aprsgw/upload"
)

// Outcome is the terminal state of one packet.
type Outcome string

const (
	OutcomeParseError Outcome = "parse_error"
	OutcomeChaseCar   Outcome = "chase_car"
	OutcomeAccepted   Outcome = "accepted"
	OutcomeRejected   Outcome = "rejected"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeBuildError Outcome = "build_error"
)

// TelemetryPublisher receives accepted balloon records. Implementations must
// not block the caller.
type TelemetryPublisher interface {
	PublishTelemetry(t upload.Telemetry)
}

// ListenerUploader receives fixed and mobile listener records without blocking.
type ListenerUploader interface {
	UploadListener(l upload.Listener)
}

// MessageSender queues a raw APRS-IS line without blocking.
type MessageSender interface {
	SendMessage(line string)
}

// TelemetryRecorder optionally audits forwarded records.
type TelemetryRecorder interface {
	Record(t upload.Telemetry)
}

// Extractor turns a tracker comment into telemetry fields.
type Extractor interface {
	Extract(tocall string, comment *string) telemetry.Fields
}

// DefaultMessageText is sent to a payload the first time it is forwarded in
// each cooldown window. {call} is replaced by the payload callsign.
const DefaultMessageText = "Tracking on SondeHub: https://amateur.sondehub.org/{call}"

// Config holds the gateway identity and message policy.
type Config struct {
	Software        upload.Software
	Callsign        string // our APRS-IS login, the sender of courtesy messages
	MessagesEnabled bool
	MessageText     string
}

// Deps are the gateway collaborators. Nil fields get working defaults
// (fresh caches, the built-in decoders) or no-op sinks.
type Deps struct {
	Classifier *classify.Classifier
	Extractor  Extractor
	Times      *rxtime.Cache
	Stations   *station.Tracker
	Telemetry  TelemetryPublisher
	Listeners  ListenerUploader
	Messages   MessageSender
	Recorder   TelemetryRecorder
	Stats      *stats.Tracker
	Now        func() time.Time
}

// Gateway owns the per-process caches. HandleLine may be called from several
// feed goroutines; the caches serialize their own mutations.
type Gateway struct {
	cfg        Config
	classifier *classify.Classifier
	extractor  Extractor
	times      *rxtime.Cache
	stations   *station.Tracker
	telemetry  TelemetryPublisher
	listeners  ListenerUploader
	messages   MessageSender
	recorder   TelemetryRecorder
	stats      *stats.Tracker
	now        func() time.Time
}

// New builds a Gateway.
func New(cfg Config, deps Deps) *Gateway {
	if cfg.MessageText == "" {
		cfg.MessageText = DefaultMessageText
	}
	g := &Gateway{
		cfg:        cfg,
		classifier: deps.Classifier,
		extractor:  deps.Extractor,
		times:      deps.Times,
		stations:   deps.Stations,
		telemetry:  deps.Telemetry,
		listeners:  deps.Listeners,
		messages:   deps.Messages,
		recorder:   deps.Recorder,
		stats:      deps.Stats,
		now:        deps.Now,
	}
	if g.classifier == nil {
		g.classifier = classify.New(classify.Config{})
	}
	if g.extractor == nil {
		g.extractor = telemetry.DefaultRegistry()
	}
	if g.times == nil {
		g.times = rxtime.New(rxtime.DefaultCapacity)
	}
	if g.stations == nil {
		g.stations = station.New(station.Config{})
	}
	if g.telemetry == nil {
		g.telemetry = nopSink{}
	}
	if g.listeners == nil {
		g.listeners = nopSink{}
	}
	if g.messages == nil {
		g.messages = nopSink{}
	}
	if g.stats == nil {
		g.stats = stats.NewTracker()
	}
	if g.now == nil {
		g.now = func() time.Time { return time.Now().UTC() }
	}
	return g
}

// Stations exposes the station tracker for status reporting.
func (g *Gateway) Stations() *station.Tracker { return g.stations }

// Times exposes the timestamp cache for status reporting.
func (g *Gateway) Times() *rxtime.Cache { return g.times }

// HandleLine parses one raw TNC2 line and processes it. Parse failures are
// logged at debug level and dropped.
func (g *Gateway) HandleLine(line string) Outcome {
	g.stats.IncrementOutcome(stats.Received)
	line = strings.TrimRight(line, "\r\n")
	p, err := aprs.ParseAt(line, g.now())
	if err != nil {
		g.stats.IncrementOutcome(stats.ParseError)
		log.Debug("packet not decoded", "raw", line, "err", err)
		return OutcomeParseError
	}
	return g.Handle(p)
}

// Handle processes one decoded packet.
func (g *Gateway) Handle(p *aprs.Packet) Outcome {
	now := g.now()

	// Chase cars are listeners, never balloons, and never enter the
	// position cache.
	if g.classifier.IsChaseCar(p) {
		return g.handleChaseCar(p)
	}

	outcome := OutcomeIgnored
	if classify.IsBalloonCandidate(p) {
		g.stats.IncrementOutcome(stats.Balloon)
		decision := g.classifier.Classify(p)
		if decision.Accept {
			outcome = g.forwardBalloon(p, now)
		} else {
			g.stats.IncrementOutcome(stats.Rejected)
			g.stats.IncrementReject(string(decision.Reason))
			log.Debug("balloon symbol rejected", "from", p.From, "to", p.To, "reason", decision.Reason)
			outcome = OutcomeRejected
		}
	} else {
		g.stats.IncrementOutcome(stats.Ignored)
	}

	g.stations.Observe(p, now)
	return outcome
}

func (g *Gateway) handleChaseCar(p *aprs.Packet) Outcome {
	g.stats.IncrementOutcome(stats.ChaseCar)
	rec, err := upload.NewChaseListener(p, g.cfg.Software)
	if err != nil {
		g.stats.IncrementOutcome(stats.BuildError)
		log.Error("cannot build chase car record", "from", p.From, "raw", p.Raw, "err", err)
		return OutcomeBuildError
	}
	log.Info("chase car", "call", p.From, "lat", p.Latitude, "lon", p.Longitude)
	g.listeners.UploadListener(rec)
	return OutcomeChaseCar
}

func (g *Gateway) forwardBalloon(p *aprs.Packet, now time.Time) Outcome {
	datetime := g.times.Resolve(p, now)
	fields := g.extractor.Extract(p.To, p.Comment)
	rec, err := upload.NewTelemetry(p, g.cfg.Software, datetime, now, fields)
	if err != nil {
		g.stats.IncrementOutcome(stats.BuildError)
		log.Error("cannot build telemetry record", "from", p.From, "raw", p.Raw, "err", err)
		return OutcomeBuildError
	}

	g.stats.IncrementOutcome(stats.Accepted)
	if model, ok := rec.Fields["model"].(string); ok {
		g.stats.IncrementModel(model)
	}
	log.Info("balloon", "payload", rec.PayloadCallsign, "uploader", rec.UploaderCallsign,
		"alt", rec.Alt, "tocall", rec.Tocall, "fields", len(rec.Fields))
	g.telemetry.PublishTelemetry(rec)
	if g.recorder != nil {
		g.recorder.Record(rec)
	}

	if g.cfg.MessagesEnabled && g.cfg.Callsign != "" && g.stations.ShouldMessage(rec.PayloadCallsign, now) {
		text := strings.ReplaceAll(g.cfg.MessageText, "{call}", rec.PayloadCallsign)
		g.messages.SendMessage(aprs.FormatMessage(g.cfg.Callsign, rec.PayloadCallsign, text))
	}

	entry, ok, why := g.stations.ShouldUploadListener(rec.UploaderCallsign, rec.Alt, now)
	if !ok {
		if why == station.SkipNoPosition {
			log.Info("no position for uploader", "uploader", rec.UploaderCallsign)
		} else {
			log.Debug("listener upload skipped", "uploader", rec.UploaderCallsign, "reason", why)
		}
		return OutcomeAccepted
	}
	g.listeners.UploadListener(upload.NewFixedListener(g.cfg.Software, entry.Callsign,
		entry.Latitude, entry.Longitude, entry.Altitude, entry.Comment))
	return OutcomeAccepted
}

type nopSink struct{}

func (nopSink) PublishTelemetry(upload.Telemetry) {}
func (nopSink) UploadListener(upload.Listener)    {}
func (nopSink) SendMessage(string)                {}
