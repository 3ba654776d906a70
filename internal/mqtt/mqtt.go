// Package mqtt publishes detection events to an MQTT broker.
//
// Each detection goes to <prefix>/<detector>/detection as the same JSON
// document the event endpoint received, plus its ID and receive time.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Spatial-NVR/plategate/internal/events"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second

	// milliseconds
	disconnectQuiesce = 500

	DefaultTopicPrefix = "plategate"
)

var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrInvalidQoS       = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
)

// Config configures the publisher
type Config struct {
	Broker      string // tcp://host:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retain      bool
}

// Publisher is an events.Sink backed by a paho client
type Publisher struct {
	client pahomqtt.Client
	cfg    Config
	logger *slog.Logger
}

// Connect dials the broker and returns a connected publisher. The client
// reconnects on its own after the first successful connection.
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.QoS > 2 {
		return nil, ErrInvalidQoS
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	p := NewPublisher(nil, cfg, logger)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		p.logger.Info("MQTT connected", "broker", cfg.Broker)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	p.client = client
	return p, nil
}

// NewPublisher wraps an existing client
func NewPublisher(client pahomqtt.Client, cfg Config, logger *slog.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	return &Publisher{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
	}
}

func (p *Publisher) Name() string { return "mqtt" }

// Topic returns the topic detections from detector are published on
func (p *Publisher) Topic(detector string) string {
	return fmt.Sprintf("%s/%s/detection", strings.TrimSuffix(p.cfg.TopicPrefix, "/"), topicSafe(detector))
}

// topicSafe replaces the characters MQTT reserves for wildcards and levels
func topicSafe(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// Publish sends d and waits for the broker's acknowledgement
func (p *Publisher) Publish(ctx context.Context, d *events.Detection) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal detection: %w", err)
	}

	timeout := defaultPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	token := p.client.Publish(p.Topic(d.Detector), p.cfg.QoS, p.cfg.Retain, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close disconnects from the broker
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	if p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesce)
	}
	return nil
}
