package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/codefionn/prysmo/internal/codec"
	"github.com/codefionn/prysmo/internal/config"
	"github.com/codefionn/prysmo/internal/endpoint"
	"github.com/codefionn/prysmo/internal/logger"
	"github.com/gorilla/websocket"
)

var _ endpoint.Caller = (*Connection)(nil)

// NoToken is the token of a connection that has not claimed a session yet.
const NoToken = "null"

// State is the lifecycle state of a Connection.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Claimer hands out a fresh token for a requested one. *session.Store
// satisfies it.
type Claimer interface {
	Recover(requested, address string) string
}

// ConnectionOptions carries the shared collaborators of a Connection.
type ConnectionOptions struct {
	Sessions          Claimer
	Registry          *endpoint.Registry
	Hub               *Hub
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	Logger            *logger.Logger
}

// Connection binds a transport to the session token its peer currently holds
// and keeps it alive with a heartbeat.
type Connection struct {
	transport    Transport
	remoteAddr   string
	sessions     Claimer
	registry     *endpoint.Registry
	hub          *Hub
	writeTimeout time.Duration
	log          *logger.Logger

	mu       sync.Mutex
	state    State
	token    string
	previous string
	alive    bool

	out      *outbox
	ticker   *time.Ticker
	stop     chan struct{}
	killOnce sync.Once
}

// NewConnection wraps t and starts its heartbeat. The pumps are started by
// Start.
func NewConnection(t Transport, remoteAddr string, opts ConnectionOptions) *Connection {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval * time.Millisecond
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = config.DefaultWriteTimeout * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().WithPrefix("conn")
	}

	c := &Connection{
		transport:    t,
		remoteAddr:   remoteAddr,
		sessions:     opts.Sessions,
		registry:     opts.Registry,
		hub:          opts.Hub,
		writeTimeout: writeTimeout,
		log:          log,
		state:        StateOpen,
		token:        NoToken,
		alive:        true,
		out:          newOutbox(),
		ticker:       time.NewTicker(interval),
		stop:         make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		t.SetReadLimit(opts.MaxMessageSize)
	}
	t.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.alive = true
		c.mu.Unlock()
		return nil
	})

	go c.heartbeat()
	c.log.Info("Connection with %s was established", remoteAddr)
	return c
}

// Start runs the read and write pumps.
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// Token returns the token the connection currently holds.
func (c *Connection) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Previous returns the token the peer presented on its last claim.
func (c *Connection) Previous() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previous
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// State returns the lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) heartbeat() {
	for {
		select {
		case <-c.ticker.C:
			c.checkHealth()
		case <-c.stop:
			return
		}
	}
}

// checkHealth kills a peer that did not answer the previous probe and probes
// it again otherwise.
func (c *Connection) checkHealth() {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	if !c.alive {
		c.state = StateClosing
		token := c.token
		c.mu.Unlock()
		c.log.Debug("Connection %s missed a heartbeat", token)
		c.Kill()
		return
	}
	c.alive = false
	c.mu.Unlock()

	if err := c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
		c.log.Debug("Ping to %s deferred: %v", c.remoteAddr, err)
	}
}

func (c *Connection) readPump() {
	defer c.Kill()

	for {
		_, message, err := c.transport.ReadMessage()
		if err != nil {
			if c.State() == StateOpen && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Error("WebSocket read error on %s: %v", c.Token(), err)
			}
			return
		}
		c.handle(message)
	}
}

func (c *Connection) handle(message []byte) {
	env, err := codec.Decode(message)
	if err != nil {
		c.log.Debug("Received malformed JSON %s from %s", message, c.Token())
		_ = c.Send(codec.Error(codec.MalformedMessage))
		return
	}
	c.log.Debug("Received message %s from %s", message, c.Token())

	if env.HasToken() {
		c.ClaimSession(*env.Token)
	}
	if env.HasEndpoint() {
		if err := c.Trigger(*env.Endpoint, env.Data); err != nil {
			c.log.Debug("Endpoint %s reported: %v", *env.Endpoint, err)
		}
	}
}

func (c *Connection) writePump() {
	for {
		frame, ok := c.out.pop()
		if !ok {
			return
		}

		_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		if err := c.transport.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("Failed to write to %s: %v", c.Token(), err)
			c.Kill()
			return
		}
		c.log.Debug("Sent message %s to %s", frame, c.Token())
	}
}

// ClaimSession rotates the connection onto a new token, recovering the block
// of requested when it is live, and hands the new token to the peer.
func (c *Connection) ClaimSession(requested string) string {
	c.mu.Lock()
	old := c.token
	c.previous = requested
	token := c.sessions.Recover(requested, c.remoteAddr)
	c.token = token
	c.mu.Unlock()

	_ = c.Send(codec.TokenGrant(token))
	c.log.Info("Connection %s was named %s", old, token)
	return token
}

// Trigger dispatches data to the endpoint called name. Unknown endpoints are
// logged and dropped.
func (c *Connection) Trigger(name string, data json.RawMessage) error {
	err := c.registry.Dispatch(c, name, data)
	if errors.Is(err, endpoint.ErrUnknownEndpoint) {
		c.log.Info("Could not handle endpoint %s", name)
		return nil
	}
	return err
}

// Send queues env for the peer. Sending on a dead connection is a silent
// no-op.
func (c *Connection) Send(env codec.Envelope) error {
	frame, err := codec.Encode(env)
	if err != nil {
		return err
	}
	if !c.out.push(frame) {
		c.log.Debug("Dropped message to closed connection %s", c.Token())
	}
	return nil
}

// Kill terminates the connection. It is safe to call any number of times from
// any goroutine.
func (c *Connection) Kill() {
	c.killOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		c.mu.Unlock()

		c.ticker.Stop()
		close(c.stop)
		c.out.close()
		_ = c.transport.Close()

		c.mu.Lock()
		c.state = StateClosed
		token := c.token
		c.mu.Unlock()

		if c.hub != nil {
			c.hub.Unregister(c)
		}
		c.log.Info("Connection %s was closed", token)
	})
}
