package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CALLSIGN", "APRSIS_PASSCODE", "MQTT_BROKER", "MQTT_TOPIC", "LISTENER_URL", "LOG_LEVEL", "APRSGW_CONFIG"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `gateway:
  callsign: "n0call"
mqtt:
  enabled: true
  broker: "tcp://localhost:1883"
  topic: "amateur/aprs"
cooldowns:
  listener_seconds: 300
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Callsign != "N0CALL" {
		t.Fatalf("expected normalized callsign, got %q", cfg.Gateway.Callsign)
	}
	if cfg.APRSIS.Passcode != 13023 {
		t.Fatalf("expected derived passcode 13023, got %d", cfg.APRSIS.Passcode)
	}
	if cfg.APRSIS.Host != "rotate.aprs2.net" || cfg.APRSIS.Port != 14580 || cfg.APRSIS.Filter != "t/p" {
		t.Fatalf("unexpected aprs-is defaults: %+v", cfg.APRSIS)
	}
	if got := Seconds(cfg.Cooldowns.ListenerSeconds); got != 5*time.Minute {
		t.Fatalf("listener cooldown = %s", got)
	}
	if got := Seconds(cfg.Cooldowns.MessageSeconds); got != 4*time.Hour {
		t.Fatalf("message cooldown = %s", got)
	}
	if cfg.Station.MinListenerAltitude != 1500 {
		t.Fatalf("min listener altitude = %v", cfg.Station.MinListenerAltitude)
	}
	if cfg.LoadedFrom != path {
		t.Fatalf("LoadedFrom = %q", cfg.LoadedFrom)
	}
	if !cfg.Logging.ConsoleLogging() {
		t.Fatalf("console logging should default on")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLSIGN", "VK5QI")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LoadedFrom != "" {
		t.Fatalf("expected no source, got %q", cfg.LoadedFrom)
	}
	if cfg.Gateway.Callsign != "VK5QI" {
		t.Fatalf("callsign = %q", cfg.Gateway.Callsign)
	}
}

func TestLoadDirectoryMergesFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "10-gateway.yaml"), `gateway:
  callsign: "VK5QI"
classifier:
  opt_out_markers: ["NOHUB"]
`)
	writeFile(t, filepath.Join(dir, "20-admin.yml"), `admin:
  enabled: true
  http_port: 9000
gateway:
  workers: 4
`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Callsign != "VK5QI" || cfg.Gateway.Workers != 4 {
		t.Fatalf("gateway section not merged: %+v", cfg.Gateway)
	}
	if cfg.Admin.Addr() != "127.0.0.1:9000" {
		t.Fatalf("admin addr = %q", cfg.Admin.Addr())
	}
	if len(cfg.Classifier.OptOutMarkers) != 1 {
		t.Fatalf("classifier lists not loaded: %+v", cfg.Classifier)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `gateway:
  callsign: "N0CALL"
logging:
  level: "info"
`)
	t.Setenv("CALLSIGN", "VK5ARG")
	t.Setenv("APRSIS_PASSCODE", "-1")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_TOPIC", "amateur/test")
	t.Setenv("LISTENER_URL", "http://localhost/listeners")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Gateway.Callsign != "VK5ARG" || cfg.APRSIS.Passcode != -1 {
		t.Fatalf("login overrides not applied: %q %d", cfg.Gateway.Callsign, cfg.APRSIS.Passcode)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.Topic != "amateur/test" {
		t.Fatalf("mqtt overrides not applied: %+v", cfg.MQTT)
	}
	if !cfg.Listener.Enabled || cfg.Listener.URL != "http://localhost/listeners" {
		t.Fatalf("listener overrides not applied: %+v", cfg.Listener)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Logging.Level)
	}
}

func TestInvalidPasscodeEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLSIGN", "VK5QI")
	t.Setenv("APRSIS_PASSCODE", "abc")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for invalid passcode")
	}
}

func TestValidation(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "absent.yaml")); !errors.Is(err, ErrMissingCallsign) {
		t.Fatalf("expected ErrMissingCallsign, got %v", err)
	}

	path := filepath.Join(dir, "notopic.yaml")
	writeFile(t, path, `gateway:
  callsign: "VK5QI"
mqtt:
  enabled: true
  broker: "tcp://localhost:1883"
`)
	if _, err := Load(path); !errors.Is(err, ErrMissingTopic) {
		t.Fatalf("expected ErrMissingTopic, got %v", err)
	}

	path = filepath.Join(dir, "level.yaml")
	writeFile(t, path, `gateway:
  callsign: "VK5QI"
logging:
  level: "loud"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown log level")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "gateway: [")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestResolvePath(t *testing.T) {
	clearEnv(t)
	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("ResolvePath() = %q", got)
	}
	t.Setenv("APRSGW_CONFIG", "/etc/aprsgw")
	if got := ResolvePath(""); got != "/etc/aprsgw" {
		t.Fatalf("ResolvePath() = %q", got)
	}
	if got := ResolvePath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("ResolvePath(flag) = %q", got)
	}
}
