package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Spatial-NVR/plategate/internal/events"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes. Methods the publisher never calls are left
// to the embedded nil interface.
type fakeClient struct {
	pahomqtt.Client

	mu           sync.Mutex
	connected    bool
	err          error
	stall        bool
	messages     []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return &fakeToken{err: c.err, stall: c.stall}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

type fakeToken struct {
	err   error
	stall bool
}

func (t *fakeToken) Wait() bool { return !t.stall }

func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.stall }

func (t *fakeToken) Error() error { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func detection() *events.Detection {
	return &events.Detection{
		ID:         "evt-1",
		Detector:   "cam1",
		Role:       "ENTRY",
		Candidates: []events.Candidate{{Plate: "AB123CD", Confidence: 91.5}},
		Timestamp:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_Topic(t *testing.T) {
	tests := []struct {
		prefix   string
		detector string
		want     string
	}{
		{"", "cam1", "plategate/cam1/detection"},
		{"site/a/", "gate", "site/a/gate/detection"},
		{"plategate", "lane/1#", "plategate/lane_1_/detection"},
	}

	for _, tt := range tests {
		p := NewPublisher(nil, Config{TopicPrefix: tt.prefix}, discard)
		if got := p.Topic(tt.detector); got != tt.want {
			t.Errorf("Expected topic %q, got %q", tt.want, got)
		}
	}
}

func TestPublisher_Publish(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisher(client, Config{QoS: 1}, discard)

	if err := p.Publish(context.Background(), detection()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(client.messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(client.messages))
	}
	msg := client.messages[0]
	if msg.topic != "plategate/cam1/detection" {
		t.Errorf("Expected topic plategate/cam1/detection, got %s", msg.topic)
	}
	if msg.qos != 1 || msg.retained {
		t.Errorf("Expected qos 1 not retained, got qos %d retained %v", msg.qos, msg.retained)
	}

	var got events.Detection
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("Payload is not a detection: %v", err)
	}
	if got.ID != "evt-1" || got.Plate() != "AB123CD" || got.Role != "ENTRY" {
		t.Errorf("Unexpected payload %s", msg.payload)
	}
}

func TestPublisher_PublishErrors(t *testing.T) {
	brokerErr := errors.New("broker said no")

	tests := []struct {
		name   string
		client *fakeClient
		want   error
	}{
		{"disconnected", &fakeClient{}, ErrNotConnected},
		{"rejected", &fakeClient{connected: true, err: brokerErr}, ErrPublishFailed},
		{"timeout", &fakeClient{connected: true, stall: true}, ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(tt.client, Config{}, discard)
			err := p.Publish(context.Background(), detection())
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	p := NewPublisher(nil, Config{}, discard)
	if err := p.Publish(context.Background(), detection()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected without a client, got %v", err)
	}
}

func TestPublisher_Close(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisher(client, Config{}, discard)

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !client.disconnected {
		t.Error("Expected client to be disconnected")
	}

	if err := NewPublisher(nil, Config{}, discard).Close(); err != nil {
		t.Errorf("Close without client failed: %v", err)
	}
}

func TestConnect_InvalidQoS(t *testing.T) {
	if _, err := Connect(Config{Broker: "tcp://127.0.0.1:1", QoS: 3}, discard); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Expected ErrInvalidQoS, got %v", err)
	}
}

func TestPublisher_IsSink(t *testing.T) {
	var _ events.Sink = (*Publisher)(nil)
}
