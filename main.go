package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"aprsgw/admin"
	"aprsgw/aprsis"
	"aprsgw/classify"
	"aprsgw/config"
	"aprsgw/pipeline"
	"aprsgw/recorder"
	"aprsgw/rxtime"
	"aprsgw/station"
	"aprsgw/stats"
	"aprsgw/telemetry"
	"aprsgw/upload"
)

// Version will be set at build time
var Version = "dev"

// Config and startup errors exit non-zero. Nothing after startup is fatal.
func main() {
	configPath := pflag.StringP("config", "c", "", "Config file or directory (default $APRSGW_CONFIG or "+config.DefaultPath+")")
	printConfig := pflag.Bool("print-config", false, "Print the effective configuration and exit.")
	showVersion := pflag.BoolP("version", "v", false, "Print the version and exit.")
	help := pflag.BoolP("help", "h", false, "Display help text.")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Forwards amateur balloon telemetry heard on APRS-IS.\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		return
	}
	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *printConfig {
		cfg.Print()
		return
	}

	logs, err := setupLogging(cfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging: %v (continuing with console only)\n", err)
	}
	defer logs.Close()
	configureLogger(cfg.Logging, logs, os.Stdout)

	source := cfg.LoadedFrom
	if source == "" {
		source = "defaults"
	}
	log.Info("aprs gateway starting", "version", Version, "config", source, "callsign", cfg.Gateway.Callsign)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logs); err != nil {
		log.Error("gateway stopped with error", "err", err)
		logs.Close()
		os.Exit(1)
	}
	log.Info("gateway stopped")
}

// run builds every component from cfg and blocks until ctx ends. Disabled
// sinks stay nil so the dispatcher discards that record type. Shutdown goes
// feed first, then the line consumer, the dispatcher and the sinks.
func run(ctx context.Context, cfg *config.Config, logs *logTee) error {
	tracker := stats.NewTracker()
	software := upload.Software{Name: cfg.Gateway.SoftwareName, Version: Version}

	feed := aprsis.NewClient(aprsis.Config{
		Host:        cfg.APRSIS.Host,
		Port:        cfg.APRSIS.Port,
		Callsign:    cfg.Gateway.Callsign,
		Passcode:    cfg.APRSIS.Passcode,
		Filter:      cfg.APRSIS.Filter,
		Software:    strings.ReplaceAll(cfg.Gateway.SoftwareName, " ", "-"),
		Version:     Version,
		DialTimeout: config.Seconds(cfg.APRSIS.DialTimeoutSeconds),
		ReadTimeout: config.Seconds(cfg.APRSIS.ReadTimeoutSeconds),
		Buffer:      cfg.APRSIS.Buffer,
	})

	var telemetrySink upload.TelemetrySink
	if cfg.MQTT.Enabled {
		pub := upload.NewMQTTPublisher(upload.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			Topic:          cfg.MQTT.Topic,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ClientPrefix:   cfg.MQTT.ClientPrefix,
			PublishTimeout: config.Seconds(cfg.MQTT.PublishTimeoutSeconds),
		})
		if err := pub.Connect(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		defer pub.Close()
		telemetrySink = pub
	} else {
		log.Warn("mqtt disabled, telemetry records are not published")
	}

	var listenerSink upload.ListenerSink
	if cfg.Listener.Enabled {
		listenerSink = upload.NewListenerClient(cfg.Listener.URL, config.Seconds(cfg.Listener.TimeoutSeconds))
	}
	var sender upload.LineSender
	if cfg.Message.Enabled {
		sender = feed
	}

	dispatcher := upload.NewDispatcher(upload.DispatcherConfig{
		QueueSize: cfg.Gateway.QueueSize,
		Workers:   cfg.Gateway.Workers,
		Timeout:   config.Seconds(cfg.Gateway.DeliveryTimeout),
	}, telemetrySink, listenerSink, sender, tracker)
	dispatcher.Start()
	defer dispatcher.Stop()

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		r, err := recorder.NewRecorder(cfg.Recorder.Path, cfg.Recorder.PerModelLimit)
		if err != nil {
			log.Warn("recorder disabled", "err", err)
		} else {
			rec = r
			defer rec.Close()
		}
	}

	stations := station.New(station.Config{
		ListenerCooldown:    config.Seconds(cfg.Cooldowns.ListenerSeconds),
		MessageCooldown:     config.Seconds(cfg.Cooldowns.MessageSeconds),
		MinListenerAltitude: cfg.Station.MinListenerAltitude,
		MaxStations:         cfg.Station.MaxStations,
	})
	stations.StartCleanup(config.Seconds(cfg.Station.CleanupIntervalSeconds))
	defer stations.StopCleanup()

	deps := pipeline.Deps{
		Classifier: classify.New(classifierConfig(cfg.Classifier)),
		Extractor:  telemetry.DefaultRegistry(),
		Times:      rxtime.New(cfg.RXTime.Capacity),
		Stations:   stations,
		Telemetry:  dispatcher,
		Listeners:  dispatcher,
		Messages:   dispatcher,
		Stats:      tracker,
	}
	if rec != nil {
		deps.Recorder = rec
	}
	gateway := pipeline.New(pipeline.Config{
		Software:        software,
		Callsign:        cfg.Gateway.Callsign,
		MessagesEnabled: cfg.Message.Enabled,
		MessageText:     cfg.Message.Text,
	}, deps)

	if cfg.Admin.Enabled {
		adminDeps := admin.Deps{
			Stats:    tracker,
			Stations: gateway.Stations(),
			Times:    gateway.Times(),
			Feed:     feed,
			Pending:  dispatcher.Pending,
		}
		if rec != nil {
			adminDeps.Recorder = rec
		}
		srv := admin.New(admin.Config{Addr: cfg.Admin.Addr(), Pprof: cfg.Admin.Pprof}, adminDeps)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error("admin server failed", "err", err)
			}
		}()
	}

	// The hook runs inside a log write; logging from it must not block that write.
	logs.OnRotate(func(prevDay time.Time, prevPath, _ string) {
		go func() {
			log.Info("log rotated", "previous", prevPath, "day", prevDay.Format("2006-01-02"))
			logStats(tracker, gateway, dispatcher)
		}()
	})

	if err := feed.Connect(); err != nil {
		return err
	}
	defer feed.Stop()
	startFeedHealthMonitor(ctx, "APRS-IS", feed)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		processFeedLines(ctx, feed.Lines(), gateway)
	}()
	go func() {
		defer wg.Done()
		displayStats(ctx, config.Seconds(cfg.Stats.DisplayIntervalSeconds), tracker, gateway, dispatcher)
	}()

	log.Info("gateway running", "aprs_is", cfg.APRSIS.Host, "filter", cfg.APRSIS.Filter,
		"mqtt", cfg.MQTT.Enabled, "listeners", cfg.Listener.Enabled, "messages", cfg.Message.Enabled)

	<-ctx.Done()
	log.Info("shutting down gracefully")
	feed.Stop()
	wg.Wait()
	logStats(tracker, gateway, dispatcher)
	return nil
}

// Empty override lists keep the classifier defaults.
func classifierConfig(c config.ClassifierConfig) classify.Config {
	return classify.Config{
		GatewayMarkers: c.GatewayMarkers,
		OptOutMarkers:  c.OptOutMarkers,
		BlockedTocalls: c.BlockedTocalls,
		BlockedSources: c.BlockedSources,
		RejectPhrases:  c.RejectPhrases,
		SelfAddressed:  c.SelfAddressed,
		ChaseMarkers:   c.ChaseMarkers,
	}
}

// lineHandler is the part of the gateway the consumer loop needs.
type lineHandler interface {
	HandleLine(line string) pipeline.Outcome
}

// processFeedLines hands lines to gw in arrival order until ctx ends or
// lines is closed, and returns how many it handled.
func processFeedLines(ctx context.Context, lines <-chan string, gw lineHandler) int {
	handled := 0
	for {
		select {
		case <-ctx.Done():
			return handled
		case line, ok := <-lines:
			if !ok {
				return handled
			}
			gw.HandleLine(line)
			handled++
		}
	}
}

func displayStats(ctx context.Context, interval time.Duration, tracker *stats.Tracker, gw *pipeline.Gateway, dispatcher *upload.Dispatcher) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(tracker, gw, dispatcher)
		}
	}
}

func logStats(tracker *stats.Tracker, gw *pipeline.Gateway, dispatcher *upload.Dispatcher) {
	log.Info(formatUptimeLine(tracker.Uptime()))
	for _, line := range tracker.SnapshotLines() {
		log.Info(line)
	}
	log.Info(formatCacheLine(gw.Stations().Len(), gw.Times().Len(), dispatcher.Pending()))
}

// formatUptimeLine renders uptime as hours and zero-padded minutes.
func formatUptimeLine(uptime time.Duration) string {
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	return fmt.Sprintf("Uptime: %02d:%02d", hours, minutes)
}

func formatCacheLine(stations, timestamps, pending int) string {
	return fmt.Sprintf("Caches: stations=%d, timestamps=%d, queue=%d", stations, timestamps, pending)
}
