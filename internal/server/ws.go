package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/config"
	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller ties the hub and the matchmaker to the transport endpoints.
type Controller struct {
	Hub *Hub
	MM  *Matchmaker

	Limiter    *PairRateLimiter
	sendBuffer int
	readLimit  int64
}

func NewController(hub *Hub, mm *Matchmaker, cfg config.ServerConfig) *Controller {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	return &Controller{
		Hub:        hub,
		MM:         mm,
		Limiter:    NewPairRateLimiter(10, time.Minute),
		sendBuffer: sendBuffer,
		readLimit:  cfg.ReadLimit,
	}
}

// HandleChannel upgrades the event channel connection, announces the assigned
// identity and pumps events until the visitor leaves. The identity is valid
// only while this connection lives; the registry entry dies with it.
func (ctl *Controller) HandleChannel(ctx context.Context, c *gin.Context) {
	user := domain.Identity(c.GetString("user_id"))
	log.Info().Str("module", "server.ws").Str("user", string(user)).Msg("new channel connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}
	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, ctl.sendBuffer),
	}
	ctl.Hub.Bind(user, conn)
	ctl.MM.Register(user)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, user, conn)
		ctl.dropVisitor(user, conn)
	}()

	ctl.Hub.ToUser(user, core.EvIdentityAnnounce, core.IdentityAnnounce{UserID: string(user)})
}

// dropVisitor runs once the connection is gone: the partner of a live session
// learns immediately instead of waiting for the idle sweep.
func (ctl *Controller) dropVisitor(user domain.Identity, conn *wsConn) {
	ctl.Hub.Unbind(user, conn)
	sess := ctl.MM.DropUser(user)
	if sess == nil {
		return
	}
	if partner, ok := sess.PartnerOf(user); ok {
		ctl.Hub.ToUser(partner, core.EvPartnerDisconnected,
			core.SessionRef{SessionID: string(sess.ID), Reason: "partner left"})
	}
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "server.ws").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "server.ws").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "server.ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "server.ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, user domain.Identity, c *wsConn) {
	defer func() {
		log.Info().Str("module", "server.ws").Str("user", string(user)).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "server.ws").Str("user", string(user)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "server.ws").Str("user", string(user)).Msg("readPump read error")
				return
			}
			ctl.handleEvent(user, data)
		}
	}
}

func (ctl *Controller) handleEvent(user domain.Identity, data []byte) {
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "server.ws").Msg("bad json")
		return
	}

	switch env.Event {
	case core.EvIdentityRequest:
		ctl.Hub.ToUser(user, core.EvIdentityAnnounce, core.IdentityAnnounce{UserID: string(user)})
	case core.EvJoinSession:
		ctl.handleJoin(user, env.Data)
	case core.EvLeaveSession:
		ctl.handleLeave(user, env.Data)
	case core.EvNegotiationOffer, core.EvNegotiationAnswer, core.EvNegotiationCandidate:
		ctl.relaySignal(user, env.Event, env.Data)
	case core.EvUserTyping:
		ctl.handleTyping(user, env.Data)
	case core.EvConnectionQuality:
		ctl.handleQuality(user, env.Data)
	case core.EvUpdateProfile:
		ctl.handleProfile(user, env.Data)
	default:
		log.Warn().Str("module", "server.ws").Str("event", env.Event).Msg("unknown event")
	}
}

func (ctl *Controller) handleJoin(user domain.Identity, data json.RawMessage) {
	var p core.SessionRef
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	log.Info().Str("module", "server.ws").Str("user", string(user)).Str("sid", p.SessionID).Msg("join")
	ctl.Hub.Join(domain.SessionID(p.SessionID), user)
}

func (ctl *Controller) handleLeave(user domain.Identity, data json.RawMessage) {
	var p core.SessionRef
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	log.Info().Str("module", "server.ws").Str("user", string(user)).Str("sid", p.SessionID).Msg("leave")
	ctl.Hub.Leave(domain.SessionID(p.SessionID), user)
}

// relaySignal forwards negotiation traffic to the session partner untouched.
// Membership is enforced; the payload is not inspected.
func (ctl *Controller) relaySignal(user domain.Identity, event string, data json.RawMessage) {
	var p core.NegotiationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	sess, ok := ctl.MM.Touch(domain.SessionID(p.SessionID), user)
	if !ok {
		log.Warn().Str("module", "server.ws").Str("user", string(user)).
			Str("sid", p.SessionID).Str("event", event).Msg("signal for foreign session dropped")
		return
	}
	if partner, ok := sess.PartnerOf(user); ok {
		ctl.Hub.ToUser(partner, event, p)
	}
}

func (ctl *Controller) handleTyping(user domain.Identity, data json.RawMessage) {
	var p core.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	sess, ok := ctl.MM.Touch(domain.SessionID(p.SessionID), user)
	if !ok {
		return
	}
	if partner, ok := sess.PartnerOf(user); ok {
		ctl.Hub.ToUser(partner, core.EvPartnerTyping, p)
	}
}

func (ctl *Controller) handleQuality(user domain.Identity, data json.RawMessage) {
	var p core.QualityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	ctl.MM.SetQuality(user, p.Quality)
}

func (ctl *Controller) handleProfile(user domain.Identity, data json.RawMessage) {
	var p domain.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	ctl.MM.UpdateProfile(user, p)
	log.Info().Str("module", "server.ws").Str("user", string(user)).Msg("profile updated")
}

// announceMatch tells both sides about a fresh pairing. The joining user got
// the result in the REST reply already; the waiting partner hears it here,
// plus a room broadcast as the fallback for a partner whose direct delivery
// raced the room join.
func (ctl *Controller) announceMatch(sess *PairedSession, joiner domain.Identity) {
	waiting := sess.Initiator

	ctl.Hub.ToUser(waiting, core.EvMatched, core.MatchedPayload{
		SessionID:      string(sess.ID),
		ChatType:       string(sess.Mode),
		PartnerID:      string(joiner),
		IsInitiator:    true,
		PartnerProfile: ctl.MM.profileCopy(joiner),
	})

	broadcast := core.MatchedBroadcast{
		SessionID: string(sess.ID),
		User1ID:   string(sess.Users[0]),
		User2ID:   string(sess.Users[1]),
	}
	// The waiting user sits in their provisional room (their own id).
	ctl.Hub.ToRoom(domain.SessionID(waiting), "", core.EvMatchedBroadcast, broadcast)
	ctl.Hub.ToRoom(sess.ID, "", core.EvMatchedBroadcast, broadcast)
}
