// Package config loads the gateway configuration from YAML, applies .env and
// environment overrides, fills defaults and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"aprsgw/aprs"
	"aprsgw/strutil"
)

// DefaultPath is used when neither --config nor APRSGW_CONFIG is set.
const DefaultPath = "data/config.yaml"

var (
	// ErrMissingCallsign is returned when no login callsign is configured.
	ErrMissingCallsign = errors.New("config: gateway callsign is required")
	// ErrMissingTopic is returned when telemetry publishing has no topic.
	ErrMissingTopic = errors.New("config: mqtt topic is required")
)

// Config represents the complete gateway configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	APRSIS     APRSISConfig     `yaml:"aprsis"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Listener   ListenerConfig   `yaml:"listener"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Cooldowns  CooldownConfig   `yaml:"cooldowns"`
	Message    MessageConfig    `yaml:"message"`
	Station    StationConfig    `yaml:"station"`
	RXTime     RXTimeConfig     `yaml:"rxtime"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
	Stats      StatsConfig      `yaml:"stats"`

	// LoadedFrom is the file or directory the config was read from, empty
	// when running on defaults.
	LoadedFrom string `yaml:"-"`
}

// GatewayConfig identifies the gateway and sizes its delivery queue.
type GatewayConfig struct {
	Callsign        string `yaml:"callsign"`
	SoftwareName    string `yaml:"software_name"`
	QueueSize       int    `yaml:"queue_size"`
	Workers         int    `yaml:"workers"`
	DeliveryTimeout int    `yaml:"delivery_timeout_seconds"`
}

// APRSISConfig describes the upstream feed.
type APRSISConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Passcode           int    `yaml:"passcode"`
	Filter             string `yaml:"filter"`
	DialTimeoutSeconds int    `yaml:"dial_timeout_seconds"`
	ReadTimeoutSeconds int    `yaml:"read_timeout_seconds"`
	Buffer             int    `yaml:"buffer"`
}

// MQTTConfig contains telemetry publishing settings.
type MQTTConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Broker                string `yaml:"broker"`
	Topic                 string `yaml:"topic"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	ClientPrefix          string `yaml:"client_prefix"`
	PublishTimeoutSeconds int    `yaml:"publish_timeout_seconds"`
}

// ListenerConfig contains listener endpoint settings.
type ListenerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ClassifierConfig overrides the built-in markers and block-lists. Empty
// lists keep the defaults.
type ClassifierConfig struct {
	GatewayMarkers []string `yaml:"gateway_markers"`
	OptOutMarkers  []string `yaml:"opt_out_markers"`
	BlockedTocalls []string `yaml:"blocked_tocalls"`
	BlockedSources []string `yaml:"blocked_sources"`
	RejectPhrases  []string `yaml:"reject_phrases"`
	SelfAddressed  []string `yaml:"self_addressed"`
	ChaseMarkers   []string `yaml:"chase_markers"`
}

// CooldownConfig holds per-station rate limits.
type CooldownConfig struct {
	ListenerSeconds int `yaml:"listener_seconds"`
	MessageSeconds  int `yaml:"message_seconds"`
}

// MessageConfig controls courtesy messages to payloads.
type MessageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Text    string `yaml:"text"`
}

// StationConfig bounds the station position cache.
type StationConfig struct {
	MinListenerAltitude    float64 `yaml:"min_listener_altitude_m"`
	MaxStations            int     `yaml:"max_stations"`
	CleanupIntervalSeconds int     `yaml:"cleanup_interval_seconds"`
}

// RXTimeConfig sizes the timestamp inference cache.
type RXTimeConfig struct {
	Capacity int `yaml:"capacity"`
}

// RecorderConfig controls the SQLite telemetry audit.
type RecorderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	PerModelLimit int    `yaml:"per_model_limit"`
}

// AdminConfig contains admin interface settings.
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	HTTPPort    int    `yaml:"http_port"`
	BindAddress string `yaml:"bind_address"`
	Pprof       bool   `yaml:"pprof"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	Console       *bool  `yaml:"console"`
}

// StatsConfig controls the periodic stats log line.
type StatsConfig struct {
	DisplayIntervalSeconds int `yaml:"display_interval_seconds"`
}

// ResolvePath picks the config location: the flag value, then
// APRSGW_CONFIG, then DefaultPath.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("APRSGW_CONFIG")); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads configuration from a YAML file, or from every *.yaml/*.yml file
// in a directory merged in name order. A missing path yields defaults.
// Environment overrides (after loading .env when present) are applied
// before defaults and validation.
func Load(path string) (*Config, error) {
	var cfg Config
	files, err := configFiles(path)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
	}
	if len(files) > 0 {
		cfg.LoadedFrom = path
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat config path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("CALLSIGN")); v != "" {
		c.Gateway.Callsign = v
	}
	if v := strings.TrimSpace(os.Getenv("APRSIS_PASSCODE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid APRSIS_PASSCODE: %s", v)
		}
		c.APRSIS.Passcode = n
	}
	if v := strings.TrimSpace(os.Getenv("MQTT_BROKER")); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("MQTT_TOPIC")); v != "" {
		c.MQTT.Topic = v
	}
	if v := strings.TrimSpace(os.Getenv("LISTENER_URL")); v != "" {
		c.Listener.URL = v
		c.Listener.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	return nil
}

func (c *Config) normalize() {
	c.Gateway.Callsign = strutil.NormalizeUpper(c.Gateway.Callsign)
	if c.Gateway.SoftwareName == "" {
		c.Gateway.SoftwareName = "SondeHub APRS-IS Gateway"
	}
	if c.Gateway.QueueSize <= 0 {
		c.Gateway.QueueSize = 1024
	}
	if c.Gateway.Workers <= 0 {
		c.Gateway.Workers = 2
	}
	if c.Gateway.DeliveryTimeout <= 0 {
		c.Gateway.DeliveryTimeout = 15
	}

	if c.APRSIS.Host == "" {
		c.APRSIS.Host = "rotate.aprs2.net"
	}
	if c.APRSIS.Port <= 0 {
		c.APRSIS.Port = 14580
	}
	if c.APRSIS.Filter == "" {
		c.APRSIS.Filter = "t/p"
	}
	if c.APRSIS.Passcode == 0 && c.Gateway.Callsign != "" {
		c.APRSIS.Passcode = aprs.Passcode(c.Gateway.Callsign)
	}
	if c.APRSIS.DialTimeoutSeconds <= 0 {
		c.APRSIS.DialTimeoutSeconds = 30
	}
	if c.APRSIS.ReadTimeoutSeconds <= 0 {
		c.APRSIS.ReadTimeoutSeconds = 300
	}
	if c.APRSIS.Buffer <= 0 {
		c.APRSIS.Buffer = 1000
	}

	if c.MQTT.ClientPrefix == "" {
		c.MQTT.ClientPrefix = "aprsgw"
	}
	if c.MQTT.PublishTimeoutSeconds <= 0 {
		c.MQTT.PublishTimeoutSeconds = 10
	}

	if c.Listener.URL == "" {
		c.Listener.URL = "https://api.v2.sondehub.org/amateur/listeners"
	}
	if c.Listener.TimeoutSeconds <= 0 {
		c.Listener.TimeoutSeconds = 10
	}

	if c.Cooldowns.ListenerSeconds <= 0 {
		c.Cooldowns.ListenerSeconds = 600
	}
	if c.Cooldowns.MessageSeconds <= 0 {
		c.Cooldowns.MessageSeconds = 4 * 3600
	}

	if c.Station.MinListenerAltitude <= 0 {
		c.Station.MinListenerAltitude = 1500
	}
	if c.Station.CleanupIntervalSeconds <= 0 {
		c.Station.CleanupIntervalSeconds = 600
	}

	if c.Recorder.Path == "" {
		c.Recorder.Path = "data/records/telemetry.db"
	}
	if c.Recorder.PerModelLimit <= 0 {
		c.Recorder.PerModelLimit = 1000
	}

	if c.Admin.HTTPPort <= 0 {
		c.Admin.HTTPPort = 8080
	}
	if c.Admin.BindAddress == "" {
		c.Admin.BindAddress = "127.0.0.1"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}

	if c.Stats.DisplayIntervalSeconds <= 0 {
		c.Stats.DisplayIntervalSeconds = 300
	}
}

// Validate reports configuration that prevents startup.
func (c *Config) Validate() error {
	if c.Gateway.Callsign == "" {
		return ErrMissingCallsign
	}
	if c.MQTT.Enabled {
		if strings.TrimSpace(c.MQTT.Broker) == "" {
			return errors.New("config: mqtt broker is required when mqtt is enabled")
		}
		if strings.TrimSpace(c.MQTT.Topic) == "" {
			return ErrMissingTopic
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("config: unknown logging level %q", c.Logging.Level)
	}
	return nil
}

// ConsoleLogging reports whether log output should go to stdout.
func (c LoggingConfig) ConsoleLogging() bool {
	return c.Console == nil || *c.Console
}

// Addr is the admin listen address.
func (c AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.HTTPPort)
}

// Seconds converts a config value to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Print displays the configuration.
func (c *Config) Print() {
	source := c.LoadedFrom
	if source == "" {
		source = "defaults"
	}
	fmt.Printf("Config: %s\n", source)
	fmt.Printf("Gateway: %s (%s)\n", c.Gateway.Callsign, c.Gateway.SoftwareName)
	fmt.Printf("APRS-IS: %s:%d (filter %s)\n", c.APRSIS.Host, c.APRSIS.Port, c.APRSIS.Filter)
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s (topic: %s)\n", c.MQTT.Broker, c.MQTT.Topic)
	}
	if c.Listener.Enabled {
		fmt.Printf("Listener uploads: %s\n", c.Listener.URL)
	}
	fmt.Printf("Cooldowns: listener=%s, message=%s\n", Seconds(c.Cooldowns.ListenerSeconds), Seconds(c.Cooldowns.MessageSeconds))
	if c.Message.Enabled {
		fmt.Println("Courtesy messages: enabled")
	}
	if c.Recorder.Enabled {
		fmt.Printf("Recorder: %s (per-model limit %d)\n", c.Recorder.Path, c.Recorder.PerModelLimit)
	}
	if c.Admin.Enabled {
		fmt.Printf("Admin: %s\n", c.Admin.Addr())
	}
}
