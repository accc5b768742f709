// Package app is the pairing and signaling orchestration core. It turns the
// stream of channel events, REST results and peer-link callbacks into one
// authoritative session state machine, and owns the single-use resources:
// one identity handshake, one session, one peer link, one media handle.
package app

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/config"
	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

// Client drives one visitor's conversations. All state transitions happen
// under mu; callbacks and capability calls run outside it.
type Client struct {
	cfg      config.ClientConfig
	ch       core.EventChannel
	api      core.PairingAPI
	newLink  core.PeerLinkFactory
	mediaSrc core.MediaSource

	identity *IdentityManager

	mu          sync.Mutex
	state       domain.SessionState
	session     *domain.Session
	link        core.PeerLink
	media       core.MediaHandle
	messages    []domain.ChatMessage
	pairing     *pairingAttempt
	waitSID     domain.SessionID
	reconcile   *time.Timer
	qualityStop chan struct{}
	tearingDown bool

	onState       func(domain.SessionState)
	onMessage     func(domain.ChatMessage)
	onMatched     func(domain.Session)
	onTyping      func(bool)
	onError       func(error)
	onRemoteTrack func(*webrtc.TrackRemote)
}

// pairingAttempt is the one-shot latch shared by the racing producers of the
// Matched transition: the pairing REST response and the async matched event.
// The first resolver wins; the loser becomes a no-op.
type pairingAttempt struct {
	mode     domain.ChatMode
	resolved bool
}

func New(cfg config.ClientConfig, ch core.EventChannel, api core.PairingAPI,
	newLink core.PeerLinkFactory, mediaSrc core.MediaSource) *Client {

	c := &Client{
		cfg:      cfg,
		ch:       ch,
		api:      api,
		newLink:  newLink,
		mediaSrc: mediaSrc,
		identity: NewIdentityManager(ch, cfg.IdentityTimeout),
		state:    domain.StateIdle,
	}
	ch.OnReconnect(c.onChannelReconnect)
	return c
}

func (c *Client) OnStateChange(fn func(domain.SessionState)) { c.mu.Lock(); c.onState = fn; c.mu.Unlock() }
func (c *Client) OnMessage(fn func(domain.ChatMessage))      { c.mu.Lock(); c.onMessage = fn; c.mu.Unlock() }
func (c *Client) OnMatched(fn func(domain.Session))          { c.mu.Lock(); c.onMatched = fn; c.mu.Unlock() }
func (c *Client) OnPartnerTyping(fn func(bool))              { c.mu.Lock(); c.onTyping = fn; c.mu.Unlock() }
func (c *Client) OnError(fn func(error))                     { c.mu.Lock(); c.onError = fn; c.mu.Unlock() }

// OnRemoteTrack fires for every remote media track the peer link delivers
// during a video session.
func (c *Client) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onRemoteTrack = fn
	c.mu.Unlock()
}

func (c *Client) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the active session, if any.
func (c *Client) Session() (domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return domain.Session{}, false
	}
	return *c.session, true
}

func (c *Client) Identity() domain.Identity { return c.identity.Current() }

// Messages returns the chat log in receipt order.
func (c *Client) Messages() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Client) ToggleAudio(on bool) {
	c.mu.Lock()
	h := c.media
	c.mu.Unlock()
	if h != nil {
		h.SetAudioEnabled(on)
	}
}

func (c *Client) ToggleVideo(on bool) {
	c.mu.Lock()
	h := c.media
	c.mu.Unlock()
	if h != nil {
		h.SetVideoEnabled(on)
	}
}

// onChannelReconnect runs after the adapter re-established the connection.
// The old identity died with the old connection; an active session room must
// be re-joined so notifications keep flowing.
func (c *Client) onChannelReconnect() {
	c.identity.Invalidate()

	c.mu.Lock()
	var sid domain.SessionID
	if c.session != nil {
		sid = c.session.ID
	} else if c.state == domain.StateWaiting {
		sid = c.waitSID
	}
	c.mu.Unlock()

	if sid != "" {
		log.Info().Str("module", "app").Str("sid", string(sid)).Msg("rejoining session after reconnect")
		_ = c.ch.Emit(core.EvJoinSession, core.SessionRef{SessionID: string(sid)})
	}
}

func (c *Client) setState(s domain.SessionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	log.Debug().Str("module", "app").Str("state", s.String()).Msg("state change")
	if fn != nil {
		fn(s)
	}
}

func (c *Client) notifyMessage(m domain.ChatMessage) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (c *Client) notifyError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	log.Warn().Str("module", "app").Err(err).Msg("reported error")
	if fn != nil {
		fn(err)
	}
}
