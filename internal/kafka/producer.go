// Package kafka publishes detection events to a Kafka topic
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/Spatial-NVR/plategate/internal/events"
)

const DefaultTopic = "plategate.detections"

var ErrNoBrokers = errors.New("kafka: no brokers configured")

// Config configures the producer
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// Producer is an events.Sink that sends each detection keyed by its
// detector name, so one detector's events stay ordered within a partition
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewProducer connects a sync producer to the brokers
func NewProducer(cfg Config, logger *slog.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	if cfg.ClientID != "" {
		config.ClientID = cfg.ClientID
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerWith(producer, cfg.Topic, logger), nil
}

// NewProducerWith wraps an existing sync producer
func NewProducerWith(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Producer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Producer{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka"),
	}
}

func (p *Producer) Name() string { return "kafka" }

// Publish sends d and waits for the brokers to acknowledge it
func (p *Producer) Publish(ctx context.Context, d *events.Detection) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal detection: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(d.Detector),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send detection to kafka: %w", err)
	}

	p.logger.Debug("Detection sent", "topic", p.topic, "partition", partition, "offset", offset, "detector", d.Detector)
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}
