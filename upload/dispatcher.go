package upload

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"aprsgw/internal/ratelimit"
	"aprsgw/stats"
)

// TelemetrySink delivers telemetry records.
type TelemetrySink interface {
	PublishTelemetry(ctx context.Context, t Telemetry) error
}

// ListenerSink delivers listener records.
type ListenerSink interface {
	UploadListener(ctx context.Context, l Listener) error
}

// LineSender writes a raw line to the APRS-IS feed.
type LineSender interface {
	Send(line string) error
}

// DispatcherConfig sizes the outbound queue.
type DispatcherConfig struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration // per delivery
}

type job struct {
	kind    string
	ok      string
	failed  string
	deliver func(ctx context.Context) error
}

// Dispatcher makes deliveries fire-and-forget: enqueueing never blocks, a full
// queue drops the record, and failures are logged and counted but never
// retried.
type Dispatcher struct {
	cfg       DispatcherConfig
	telemetry TelemetrySink
	listeners ListenerSink
	sender    LineSender
	stats     *stats.Tracker

	jobs    chan job
	dropLog ratelimit.Counter
	errLog  ratelimit.Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher wires the sinks. Any sink may be nil, in which case that
// record type is discarded. tracker may be nil.
func NewDispatcher(cfg DispatcherConfig, telemetry TelemetrySink, listeners ListenerSink, sender LineSender, tracker *stats.Tracker) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg,
		telemetry: telemetry,
		listeners: listeners,
		sender:    sender,
		stats:     tracker,
		jobs:      make(chan job, cfg.QueueSize),
		dropLog:   ratelimit.NewCounter(time.Minute),
		errLog:    ratelimit.NewCounter(10 * time.Second),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

// Stop cancels in-flight deliveries and waits for the workers to exit.
// Records still queued are discarded.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
}

// Pending reports how many records are queued.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

// PublishTelemetry queues t for the telemetry sink.
func (d *Dispatcher) PublishTelemetry(t Telemetry) {
	if d.telemetry == nil {
		return
	}
	d.enqueue(job{
		kind:   "telemetry",
		ok:     stats.TelemetryPublished,
		failed: stats.TelemetryFailed,
		deliver: func(ctx context.Context) error {
			return d.telemetry.PublishTelemetry(ctx, t)
		},
	})
}

// UploadListener queues l for the listener sink.
func (d *Dispatcher) UploadListener(l Listener) {
	if d.listeners == nil {
		return
	}
	d.enqueue(job{
		kind:   "listener",
		ok:     stats.ListenerUploaded,
		failed: stats.ListenerFailed,
		deliver: func(ctx context.Context) error {
			return d.listeners.UploadListener(ctx, l)
		},
	})
}

// SendMessage queues a raw APRS-IS line.
func (d *Dispatcher) SendMessage(line string) {
	if d.sender == nil {
		return
	}
	d.enqueue(job{
		kind:   "message",
		ok:     stats.MessageSent,
		failed: stats.MessageFailed,
		deliver: func(context.Context) error {
			return d.sender.Send(line)
		},
	})
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.jobs <- j:
	default:
		if d.stats != nil {
			d.stats.IncrementDelivery(stats.QueueDropped)
		}
		if count, ok := d.dropLog.Inc(); ok {
			log.Warn("outbound queue full, dropping record", "kind", j.kind, "dropped_total", count)
		}
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.jobs:
			d.deliver(j)
		}
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()
	err := j.deliver(ctx)
	if err == nil {
		if d.stats != nil {
			d.stats.IncrementDelivery(j.ok)
		}
		log.Debug("delivered", "kind", j.kind)
		return
	}
	if d.stats != nil {
		d.stats.IncrementDelivery(j.failed)
	}
	if count, ok := d.errLog.Inc(); ok {
		log.Error("delivery failed", "kind", j.kind, "err", err, "failures_total", count)
	}
}
