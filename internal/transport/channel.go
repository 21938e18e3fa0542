// Package transport maintains the single persistent push connection to the
// Deployment API and routes inbound messages to subscribers by message type.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/WeedGo-Platform/ai-engine-service-sub001/pkg/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types carried over the push channel.
const (
	MsgDeploymentStatus   = "deployment.status"
	MsgDeploymentProgress = "deployment.progress"
	MsgMetricsRequest     = "metrics.request"
	MsgMetricsUpdate      = "metrics.update"
	MsgModelHealth        = "model.health"
	MsgPing               = "ping"
	MsgPong               = "pong"
)

// Envelope is the wire message format in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
	EventGaveUp       EventKind = "gave_up"
)

// Event reports a change in the channel's connection state. Connection errors
// are delivered here, never as a Send error.
type Event struct {
	Kind EventKind
	Err  error
}

// Options configure a Channel. Zero durations fall back to the documented
// defaults (30s heartbeat, 1s base reconnect delay capped at 30s, 5 attempts).
type Options struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	Logger               *zap.SugaredLogger
}

var ErrChannelClosed = errors.New("transport channel closed")

// Channel is a reconnecting WebSocket connection with type-based message
// routing. One Channel exists per process, owned by the application entry
// point.
type Channel struct {
	opts   Options
	dialer *websocket.Dialer
	l      *zap.SugaredLogger

	mu             sync.Mutex
	conn           *websocket.Conn
	connectWait    chan struct{}
	connectErr     error
	queue          []Envelope
	subs           map[string]map[int]func(Envelope)
	watchers       map[int]func(Event)
	nextID         int
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	closed         bool

	// writeMu serialises writes to the current connection so the heartbeat
	// and Send never interleave frames.
	writeMu sync.Mutex
}

func NewChannel(opts Options) *Channel {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 30 * time.Second
	}
	if opts.ReconnectMaxAttempts <= 0 {
		opts.ReconnectMaxAttempts = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.S()
	}
	return &Channel{
		opts:     opts,
		dialer:   websocket.DefaultDialer,
		l:        logger,
		subs:     make(map[string]map[int]func(Envelope)),
		watchers: make(map[int]func(Event)),
	}
}

// Connect establishes the connection. It is idempotent: if the channel is
// already open it returns immediately, and if an attempt is in flight the
// caller awaits that attempt instead of starting a second one.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.connectWait != nil {
		wait := c.connectWait
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		return err
	}
	wait := make(chan struct{})
	c.connectWait = wait
	url := c.opts.URL
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.connectWait = nil
	c.connectErr = err
	if err != nil {
		c.mu.Unlock()
		close(wait)
		c.l.Warnf("Push channel connect to %s failed: %v", url, err)
		c.emit(Event{Kind: EventError, Err: err})
		c.mu.Lock()
		c.scheduleReconnect()
		c.mu.Unlock()
		return err
	}

	if c.closed {
		c.mu.Unlock()
		close(wait)
		conn.Close()
		return ErrChannelClosed
	}

	c.conn = conn
	c.attempts = 0
	queued := c.queue
	c.queue = nil
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()
	close(wait)

	c.l.Infof("Push channel connected to %s", url)
	go c.readLoop(conn)
	go c.heartbeat(conn, stop)
	c.emit(Event{Kind: EventConnected})

	// Flush messages queued while disconnected, preserving order.
	for _, env := range queued {
		c.write(conn, env)
	}
	return nil
}

// Connected reports whether the channel currently holds an open connection.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send transmits a typed message if the channel is open, and otherwise
// enqueues it and triggers a connection attempt. Delivery failures surface
// through the event watchers, never through Send.
func (c *Channel) Send(msgType string, payload any) {
	env := Envelope{Type: msgType, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.l.Errorf("Dropping unmarshalable %s message: %v", msgType, err)
			return
		}
		env.Payload = data
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	if conn == nil {
		c.queue = append(c.queue, env)
		c.mu.Unlock()
		go func() { _ = c.Connect(context.Background()) }()
		return
	}
	c.mu.Unlock()

	if err := c.write(conn, env); err != nil {
		// Keep the message for the post-reconnect flush; the read loop
		// notices the dead connection and drives reconnection.
		c.mu.Lock()
		c.queue = append(c.queue, env)
		c.mu.Unlock()
		c.emit(Event{Kind: EventError, Err: err})
	}
}

func (c *Channel) write(conn *websocket.Conn, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// Subscribe registers a callback for a message type and returns its
// unsubscribe function. Multiple subscribers per type are supported; a
// panicking callback does not prevent delivery to the remaining subscribers.
func (c *Channel) Subscribe(msgType string, fn func(Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.subs[msgType] == nil {
		c.subs[msgType] = make(map[int]func(Envelope))
	}
	c.subs[msgType][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[msgType], id)
	}
}

// Watch registers a connection-state watcher and returns its unsubscribe
// function.
func (c *Channel) Watch(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

// Close shuts the channel down permanently. Pending reconnects are cancelled
// and queued messages are dropped.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.queue = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env Envelope) {
	c.mu.Lock()
	fns := make([]func(Envelope), 0, len(c.subs[env.Type]))
	for _, fn := range c.subs[env.Type] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeCall(fn, env)
	}
}

func (c *Channel) safeCall(fn func(Envelope), env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.l.Errorf("Subscriber for %s panicked: %v", env.Type, r)
		}
	}()
	fn(env)
}

func (c *Channel) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// A missed pong is tolerated; a dead connection is noticed by
			// the read loop, not by heartbeat timeout.
			env := Envelope{Type: MsgPing, Timestamp: time.Now().UTC()}
			if err := c.write(conn, env); err != nil {
				return
			}
		}
	}
}

func (c *Channel) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	closed := c.closed
	c.mu.Unlock()
	conn.Close()

	if closed {
		return
	}
	c.l.Warnf("Push channel disconnected: %v", err)
	c.emit(Event{Kind: EventDisconnected, Err: err})
	c.mu.Lock()
	c.scheduleReconnect()
	c.mu.Unlock()
}

// scheduleReconnect arms the backoff timer. Caller must hold c.mu.
func (c *Channel) scheduleReconnect() {
	if c.closed || c.conn != nil || c.connectWait != nil {
		return
	}
	if c.attempts >= c.opts.ReconnectMaxAttempts {
		c.l.Errorf("Push channel giving up after %d reconnect attempts", c.attempts)
		go c.emit(Event{Kind: EventGaveUp})
		return
	}
	delay := c.opts.ReconnectBaseDelay << uint(c.attempts)
	if delay > c.opts.ReconnectMaxDelay {
		delay = c.opts.ReconnectMaxDelay
	}
	c.attempts++
	metrics.ChannelReconnectsTotal.Inc()
	c.l.Infof("Scheduling push channel reconnect attempt %d in %s", c.attempts, delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		_ = c.Connect(context.Background())
	})
}

func (c *Channel) emit(evt Event) {
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.l.Errorf("Channel watcher panicked: %v", r)
				}
			}()
			fn(evt)
		}()
	}
}
