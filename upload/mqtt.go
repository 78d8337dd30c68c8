package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig describes the telemetry broker.
type MQTTConfig struct {
	Broker         string // e.g. tcp://broker.example.org:1883
	Topic          string
	Username       string
	Password       string
	ClientPrefix   string
	PublishTimeout time.Duration
}

// MQTTPublisher publishes telemetry records as JSON at QoS 0.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

// NewMQTTPublisher prepares a paho client; call Connect before publishing.
func NewMQTTPublisher(cfg MQTTConfig) *MQTTPublisher {
	prefix := cfg.ClientPrefix
	if prefix == "" {
		prefix = "aprsgw"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", prefix, uuid.NewString()))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	broker := cfg.Broker
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("telemetry broker connected", "broker", broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("telemetry broker connection lost, reconnecting", "broker", broker, "err", err)
	})
	return newMQTTPublisher(mqtt.NewClient(opts), cfg.Topic, cfg.PublishTimeout)
}

func newMQTTPublisher(client mqtt.Client, topic string, timeout time.Duration) *MQTTPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTTPublisher{client: client, topic: topic, timeout: timeout}
}

// Connect starts the broker connection. With connect-retry enabled paho keeps
// trying in the background, so only configuration errors are returned.
func (p *MQTTPublisher) Connect() error {
	token := p.client.Connect()
	if token.WaitTimeout(p.timeout) && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

// PublishTelemetry serializes t and publishes it to the configured topic.
func (p *MQTTPublisher) PublishTelemetry(ctx context.Context, t Telemetry) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode telemetry: %w", err)
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("mqtt publish to %s: timed out after %s", p.topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close disconnects, allowing 250ms for in-flight work.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
