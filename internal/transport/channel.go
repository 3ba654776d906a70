// Package transport implements the synchronous request/reply command channel
// used between the orchestrator and detection workers.
//
// Every bound endpoint is an embedded NATS server listening on the endpoint's
// host and port. Requests arrive on a single control subject and are
// answered with the handler's JSON-encoded return value.
package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// ControlSubject is the subject every endpoint serves requests on
	ControlSubject = "plategate.control"

	// DefaultPollTimeout bounds a single ServiceOnce wait
	DefaultPollTimeout = time.Second

	readyTimeout = 2 * time.Second
	inboxSize    = 16
)

// Handler handles one request payload and returns the reply value.
// Returning an error drops the reply; the requester times out.
type Handler func(payload []byte) (any, error)

// Channel hosts any number of bound endpoints, each with its own handler,
// and services them from one polling loop.
type Channel struct {
	defaultHandler Handler
	pollTimeout    time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*boundEndpoint
	wake      chan struct{}

	runMu    sync.Mutex
	running  bool
	stopping bool
	wg       sync.WaitGroup
}

type boundEndpoint struct {
	endpoint Endpoint
	handler  Handler
	server   *server.Server
	conn     *nats.Conn
	sub      *nats.Subscription
	inbox    chan *nats.Msg
	closed   chan struct{}
}

// NewChannel creates a channel with a default handler used by endpoints
// bound without their own
func NewChannel(defaultHandler Handler, logger *slog.Logger) *Channel {
	return &Channel{
		defaultHandler: defaultHandler,
		pollTimeout:    DefaultPollTimeout,
		logger:         logger.With("component", "command-channel"),
		endpoints:      make(map[string]*boundEndpoint),
		wake:           make(chan struct{}, 1),
	}
}

// SetPollTimeout changes the wait used by the background loop
func (c *Channel) SetPollTimeout(d time.Duration) {
	if d > 0 {
		c.pollTimeout = d
	}
}

// Bind starts serving address:port with handler. Binding an endpoint that is
// already bound is a no-op. A nil handler selects the default handler.
func (c *Channel) Bind(address string, port int, handler Handler) error {
	ep, err := NewEndpoint(address, port)
	if err != nil {
		return err
	}
	return c.BindEndpoint(ep, handler)
}

// BindEndpoint is Bind for an already parsed endpoint
func (c *Channel) BindEndpoint(ep Endpoint, handler Handler) error {
	key := ep.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.endpoints[key]; exists {
		c.logger.Info("Endpoint already bound", "endpoint", key)
		return nil
	}

	if handler == nil {
		handler = c.defaultHandler
	}
	if handler == nil {
		return fmt.Errorf("no handler for endpoint %s", key)
	}

	ns, err := server.NewServer(&server.Options{
		Host:   ep.BindHost(),
		Port:   ep.Port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to create endpoint server %s: %w", key, err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return fmt.Errorf("endpoint %s not ready after %v", key, readyTimeout)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.InProcessServer(ns), nats.Name("plategate-channel"))
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("failed to connect to endpoint %s: %w", key, err)
	}

	be := &boundEndpoint{
		endpoint: ep,
		handler:  handler,
		server:   ns,
		conn:     nc,
		inbox:    make(chan *nats.Msg, inboxSize),
		closed:   make(chan struct{}),
	}

	// Blocks while the inbox is full so further requests queue in the
	// subscription's pending buffer instead of being lost
	sub, err := nc.Subscribe(ControlSubject, func(msg *nats.Msg) {
		c.signal()
		select {
		case be.inbox <- msg:
			c.signal()
		case <-be.closed:
		}
	})
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return fmt.Errorf("failed to subscribe on endpoint %s: %w", key, err)
	}
	be.sub = sub

	c.endpoints[key] = be
	c.logger.Info("Endpoint bound", "endpoint", key)
	return nil
}

// Unbind stops serving address:port. Unbinding an unknown endpoint is a no-op.
func (c *Channel) Unbind(address string, port int) error {
	ep, err := NewEndpoint(address, port)
	if err != nil {
		return err
	}
	c.UnbindEndpoint(ep)
	return nil
}

// UnbindEndpoint is Unbind for an already parsed endpoint
func (c *Channel) UnbindEndpoint(ep Endpoint) {
	key := ep.String()

	c.mu.Lock()
	be, ok := c.endpoints[key]
	if ok {
		delete(c.endpoints, key)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("No endpoint bound", "endpoint", key)
		return
	}

	c.close(be)
	c.logger.Info("Endpoint unbound", "endpoint", key)
}

// UnbindAll stops serving every endpoint
func (c *Channel) UnbindAll() {
	c.mu.Lock()
	bound := c.endpoints
	c.endpoints = make(map[string]*boundEndpoint)
	c.mu.Unlock()

	for key, be := range bound {
		c.close(be)
		c.logger.Info("Endpoint unbound", "endpoint", key)
	}
}

func (c *Channel) close(be *boundEndpoint) {
	close(be.closed)
	_ = be.sub.Unsubscribe()
	be.conn.Close()
	be.server.Shutdown()
	be.server.WaitForShutdown()
}

// Endpoints returns the currently bound endpoints
func (c *Channel) Endpoints() []Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Endpoint, 0, len(c.endpoints))
	for _, be := range c.endpoints {
		result = append(result, be.endpoint)
	}
	return result
}

// ServiceOnce waits up to timeout for any endpoint to have a request, then
// handles at most one request per endpoint and sends the replies.
// It returns the number of requests handled.
func (c *Channel) ServiceOnce(timeout time.Duration) int {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.wake:
	case <-timer.C:
		return 0
	}

	c.mu.Lock()
	bound := make([]*boundEndpoint, 0, len(c.endpoints))
	for _, be := range c.endpoints {
		bound = append(bound, be)
	}
	c.mu.Unlock()

	handled := 0
	pending := false
	for _, be := range bound {
		select {
		case msg := <-be.inbox:
			c.handle(be, msg)
			handled++
			if len(be.inbox) > 0 {
				pending = true
			}
		default:
		}
	}

	if pending {
		c.signal()
	}
	return handled
}

func (c *Channel) handle(be *boundEndpoint, msg *nats.Msg) {
	key := be.endpoint.String()

	reply, err := invoke(be.handler, msg.Data)
	if err != nil {
		c.logger.Error("Handler failed, dropping reply", "endpoint", key, "error", err)
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error("Failed to marshal reply", "endpoint", key, "error", err)
		return
	}

	if err := msg.Respond(data); err != nil {
		c.logger.Warn("Failed to send reply", "endpoint", key, "error", err)
	}
}

func invoke(h Handler, payload []byte) (reply any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(payload)
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run starts servicing endpoints on a background goroutine
func (c *Channel) Run() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopping = false

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for !c.isStopping() {
			c.ServiceOnce(c.pollTimeout)
		}
	}()
}

func (c *Channel) isStopping() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.stopping
}

// Stop ends the background loop, waits for it and unbinds every endpoint.
// It must not be called from inside a handler.
func (c *Channel) Stop() {
	c.runMu.Lock()
	wasRunning := c.running
	c.stopping = true
	c.runMu.Unlock()

	if wasRunning {
		c.signal()
		c.wg.Wait()
	}

	c.UnbindAll()

	c.runMu.Lock()
	c.running = false
	c.runMu.Unlock()
}
