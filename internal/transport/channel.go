// Package transport implements the persistent push channel to the beacon
// backend. A Channel owns one websocket connection, redials on failure with
// exponential backoff, and dispatches JSON-envelope events to registered
// handlers. Handlers are registered on the Channel, not the socket, so they
// survive reconnects.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Synthetic events dispatched around the read loop. "connect" fires on the
// first successful dial, "reconnect" on every later one; missed server events
// are not replayed, so subscribers are expected to re-fetch full state.
const (
	EventConnect    = "connect"
	EventReconnect  = "reconnect"
	EventDisconnect = "disconnect"
)

// ErrNotConnected is returned by Emit while the channel is between dials.
var ErrNotConnected = errors.New("transport: not connected")

// Auth carries the credentials presented when dialing.
type Auth struct {
	UserID string
	Token  string
}

// Handler receives the raw payload of a dispatched event.
type Handler func(payload json.RawMessage)

// Envelope is the wire format for both directions: an event name plus an
// opaque payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Channel is a self-healing websocket connection. Register handlers with On
// before calling Open, otherwise the initial "connect" event can be missed.
type Channel struct {
	url    string
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]Handler
	closed   bool
	opened   bool

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel prepares a channel to rawURL authenticated as auth. Nothing is
// dialed until Open.
func NewChannel(rawURL string, auth Auth, logger *zap.Logger) (*Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse channel url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("userId", auth.UserID)
	q.Set("token", auth.Token)
	u.RawQuery = q.Encode()

	return &Channel{
		url:      u.String(),
		logger:   logger,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}, nil
}

// On registers the handler for an event name, replacing any previous one.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	c.mu.Unlock()
}

// Off removes the handler for an event name.
func (c *Channel) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

// Open starts the background connect loop. Dial failures, before and after
// the first successful connect, are retried with backoff until Close.
func (c *Channel) Open(ctx context.Context) {
	c.mu.Lock()
	if c.opened || c.closed {
		c.mu.Unlock()
		return
	}
	c.opened = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	go c.run(ctx)
}

// Emit sends an event to the server. Payload must be JSON-marshalable.
func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// Close tears the channel down. Idempotent; pending redials are abandoned and
// no error reaches handlers.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	opened := c.opened
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client close"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if opened {
		<-c.done
	}
}

// run dials, reads until failure, and redials until the channel is closed.
func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	recon := newReconnector(time.Second, 30*time.Second)
	connectedBefore := false

	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := recon.nextDelay()
			c.logger.Warn("channel dial failed",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		recon.markConnected()

		if connectedBefore {
			c.dispatch(EventReconnect, nil)
		} else {
			connectedBefore = true
			c.dispatch(EventConnect, nil)
		}

		c.readLoop(ctx, conn)

		c.mu.Lock()
		closed := c.closed
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if closed || ctx.Err() != nil {
			return
		}
		c.dispatch(EventDisconnect, nil)

		delay := recon.nextDelay()
		c.logger.Warn("channel lost, reconnecting", zap.Duration("retry_in", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Warn("malformed push frame ignored", zap.Error(err))
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.dispatch(env.Event, env.Payload)
	}
}

// dispatch runs the handler synchronously so server push order is preserved.
func (c *Channel) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	h := c.handlers[event]
	c.mu.Unlock()
	if h != nil {
		h(payload)
	}
}
