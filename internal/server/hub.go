package server

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

// Hub tracks who is online and which session rooms they joined, and fans
// events out to them. Every outbound frame is the {event, data} envelope.
type Hub struct {
	mu    sync.RWMutex
	users map[domain.Identity]*wsConn
	rooms map[domain.SessionID]map[domain.Identity]struct{}
}

func NewHub() *Hub {
	return &Hub{
		users: make(map[domain.Identity]*wsConn),
		rooms: make(map[domain.SessionID]map[domain.Identity]struct{}),
	}
}

// Bind attaches a connection to an identity, replacing any previous one.
func (h *Hub) Bind(user domain.Identity, c *wsConn) {
	h.mu.Lock()
	old := h.users[user]
	h.users[user] = c
	h.mu.Unlock()
	if old != nil && old != c {
		old.Close()
	}
}

// Unbind detaches the connection and removes the user from every room. A
// newer connection for the same identity is left alone.
func (h *Hub) Unbind(user domain.Identity, c *wsConn) {
	h.mu.Lock()
	if h.users[user] == c {
		delete(h.users, user)
	}
	for sid, members := range h.rooms {
		delete(members, user)
		if len(members) == 0 {
			delete(h.rooms, sid)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Online(user domain.Identity) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[user]
	return ok
}

func (h *Hub) Join(sid domain.SessionID, user domain.Identity) {
	h.mu.Lock()
	if h.rooms[sid] == nil {
		h.rooms[sid] = make(map[domain.Identity]struct{})
	}
	h.rooms[sid][user] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Leave(sid domain.SessionID, user domain.Identity) {
	h.mu.Lock()
	if members, ok := h.rooms[sid]; ok {
		delete(members, user)
		if len(members) == 0 {
			delete(h.rooms, sid)
		}
	}
	h.mu.Unlock()
}

// ToUser delivers one event to one identity; a miss is not an error, the
// visitor may simply be gone.
func (h *Hub) ToUser(user domain.Identity, event string, payload any) {
	h.mu.RLock()
	c := h.users[user]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	h.sendEnvelope(c, event, payload)
}

// ToRoom broadcasts to every member of a session room except the named one.
// Pass "" to reach everyone.
func (h *Hub) ToRoom(sid domain.SessionID, except domain.Identity, event string, payload any) {
	h.mu.RLock()
	conns := make([]*wsConn, 0, 2)
	for user := range h.rooms[sid] {
		if user == except {
			continue
		}
		if c := h.users[user]; c != nil {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.sendEnvelope(c, event, payload)
	}
}

func (h *Hub) sendEnvelope(c *wsConn, event string, payload any) {
	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, payload}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "server.hub").Str("event", event).Msg("envelope marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "server.hub").Str("event", event).Msg("frame dropped")
	}
}
