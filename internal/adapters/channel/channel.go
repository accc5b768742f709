// Package channel implements the persistent event channel over a WebSocket.
// Wire format is a JSON envelope {"event": name, "data": payload}, matching
// the reference pairing service hub.
package channel

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/core"
)

const (
	writeWait        = 5 * time.Second
	reconnectBase    = time.Second
	reconnectCeiling = 30 * time.Second
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Channel maintains exactly one underlying connection per instance and a
// subscription registry keyed by (event, handler id). Re-subscribing the same
// key replaces the handler; it never accumulates duplicates.
type Channel struct {
	url string

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	gen      uint64
	handlers map[string]map[string]core.Handler
	hooks    []func()

	writeMu sync.Mutex
}

var _ core.EventChannel = (*Channel)(nil)

// New builds a disconnected channel for the given ws:// or wss:// URL.
func New(wsURL string) *Channel {
	return &Channel{
		url:      wsURL,
		handlers: make(map[string]map[string]core.Handler),
	}
}

// WSURL derives the channel endpoint from the pairing service base URL.
func WSURL(serverURL string) string {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return serverURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String()
}

// Connect dials the endpoint. Calling it while connected is a no-op returning
// the existing connection; a previously closed channel can connect again.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &connError{err}
	}
	c.conn = conn
	c.closed = false
	c.gen++
	log.Info().Str("module", "channel").Str("url", c.url).Uint64("gen", c.gen).Msg("connected")

	go c.readPump(conn)
	return nil
}

func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// OnReconnect registers a hook fired after an automatic reconnect (not after
// the first Connect). Consumers re-validate identity and session from it.
func (c *Channel) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Subscribe registers fn under (event, id). Idempotent: the same key is
// replaced, not appended.
func (c *Channel) Subscribe(event, id string, fn core.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.handlers[event]
	if !ok {
		m = make(map[string]core.Handler)
		c.handlers[event] = m
	}
	m[id] = fn
}

func (c *Channel) Unsubscribe(event, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.handlers[event]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(c.handlers, event)
		}
	}
}

func (c *Channel) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = make(map[string]map[string]core.Handler)
}

func (c *Channel) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.handlers {
		n += len(m)
	}
	return n
}

// Emit sends one event envelope. Fails with ErrTransport when disconnected.
func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return core.ErrTransport
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(envelope{Event: event, Data: data}); err != nil {
		log.Warn().Str("module", "channel").Str("event", event).Err(err).Msg("emit failed")
		return core.ErrTransport
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting. Subscriptions are
// kept; the owner decides when to UnsubscribeAll.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
		log.Info().Str("module", "channel").Msg("disconnected")
	}
}

func (c *Channel) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onReadError(conn, err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Str("module", "channel").Err(err).Msg("bad envelope")
			continue
		}
		c.dispatch(env)
	}
}

// dispatch runs every handler registered for the event, sequentially, in the
// read pump goroutine. Arrival order is therefore processing order.
func (c *Channel) dispatch(env envelope) {
	c.mu.Lock()
	fns := make([]core.Handler, 0, len(c.handlers[env.Event]))
	for _, fn := range c.handlers[env.Event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(env.Data)
	}
}

func (c *Channel) onReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	// A stale pump from a superseded connection must not trigger reconnect.
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	log.Warn().Str("module", "channel").Err(err).Msg("connection lost, reconnecting")
	go c.reconnect()
}

func (c *Channel) reconnect() {
	delay := reconnectBase
	for {
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		cancel()
		if err != nil {
			if delay *= 2; delay > reconnectCeiling {
				delay = reconnectCeiling
			}
			log.Warn().Str("module", "channel").Dur("retry_in", delay).Err(err).Msg("reconnect failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.gen++
		hooks := append([]func(){}, c.hooks...)
		gen := c.gen
		c.mu.Unlock()

		log.Info().Str("module", "channel").Uint64("gen", gen).Msg("reconnected")
		go c.readPump(conn)
		for _, fn := range hooks {
			fn()
		}
		return
	}
}

// connError wraps a dial failure so it matches the transport taxonomy.
type connError struct{ err error }

func (e *connError) Error() string { return "channel connect: " + e.err.Error() }
func (e *connError) Unwrap() error { return core.ErrTransport }
