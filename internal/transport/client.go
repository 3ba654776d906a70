package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultRequestTimeout bounds the wait for a reply
const DefaultRequestTimeout = 10 * time.Second

var (
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected to this endpoint")
	ErrTimeout          = errors.New("no reply before timeout")
)

// Client sends one request at a time to one endpoint and waits for its reply.
// A failed or timed out request has an unknown outcome on the remote side.
type Client struct {
	timeout time.Duration
	logger  *slog.Logger

	// mu serializes requests and guards the connection
	mu   sync.Mutex
	conn *nats.Conn
	peer Endpoint
}

// NewClient creates a disconnected client
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		timeout: DefaultRequestTimeout,
		logger:  logger.With("component", "command-client"),
	}
}

// SetTimeout changes the reply timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// Connect links the client to address:port
func (c *Client) Connect(address string, port int) error {
	ep, err := NewEndpoint(address, port)
	if err != nil {
		return err
	}
	return c.ConnectEndpoint(ep)
}

// ConnectEndpoint links the client to ep. The link is established lazily:
// a peer that is not listening yet is retried in the background and
// requests wait for it up to the reply timeout. Connecting again to the
// current peer is rejected; connecting to a different peer replaces the link.
func (c *Client) ConnectEndpoint(ep Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if c.peer == ep {
			return ErrAlreadyConnected
		}
		c.logger.Info("Switching peer", "from", c.peer.String(), "to", ep.String())
		c.conn.Close()
		c.conn = nil
	}

	peer := ep.String()
	nc, err := nats.Connect(ep.DialURL(),
		nats.Name("plategate-client"),
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(250*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Debug("Peer disconnected", "peer", peer, "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Debug("Peer connected", "peer", peer)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", peer, err)
	}

	c.conn = nc
	c.peer = ep
	c.logger.Debug("Client connected", "peer", peer)
	return nil
}

// Disconnect tears the link down. Disconnecting an unconnected client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	c.conn.Close()
	c.conn = nil
	c.logger.Debug("Client disconnected", "peer", c.peer.String())
	c.peer = Endpoint{}
	return nil
}

// SendMessage encodes v as JSON, sends it and waits for the reply.
// Byte slices and json.RawMessage are sent unchanged. A second call blocks
// until the first one resolves.
func (c *Client) SendMessage(v any) (json.RawMessage, error) {
	var payload []byte
	switch p := v.(type) {
	case json.RawMessage:
		payload = p
	case []byte:
		payload = p
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message: %w", err)
		}
		payload = data
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	msg, err := c.conn.Request(ControlSubject, payload, c.timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, c.peer.String(), c.timeout)
		}
		return nil, fmt.Errorf("request to %s failed: %w", c.peer.String(), err)
	}
	return json.RawMessage(msg.Data), nil
}

// Acknowledged reports whether a reply is truthy: true, a non-zero number,
// a non-empty string, array or object.
func Acknowledged(reply json.RawMessage) bool {
	if len(reply) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(reply, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return false
}
