package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

// chattable reports whether messages flow in the given state. Text sessions
// stay in Matched; video sessions keep chatting through negotiation.
func chattable(s domain.SessionState) bool {
	switch s {
	case domain.StateMatched, domain.StateNegotiating, domain.StateActive:
		return true
	}
	return false
}

// SendMessage delivers one chat line. The local echo is appended optimistically
// before the request; the service's mirror of our own message arrives tagged
// "you" and is suppressed on receipt, so the line never doubles.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return core.ErrEmptyMessage
	}

	c.mu.Lock()
	if c.session == nil || !chattable(c.state) {
		c.mu.Unlock()
		return core.ErrNoSession
	}
	sid := c.session.ID
	msg := domain.ChatMessage{
		ID:     uuid.NewString(),
		Origin: domain.OriginSelf,
		Text:   text,
		SentAt: time.Now(),
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.notifyMessage(msg)

	if err := c.api.SendMessage(ctx, sid, c.identity.Current(), text); err != nil {
		log.Warn().Str("module", "app.chat").Str("sid", string(sid)).Err(err).Msg("message delivery failed")
		return err
	}
	return nil
}

// handleNewMessage ingests the broadcast a session room receives for every
// message. Stale session ids and our own echo are dropped silently.
func (c *Client) handleNewMessage(data json.RawMessage) {
	var p core.NewMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.Message.From == domain.OriginSelf.String() {
		return
	}

	c.mu.Lock()
	if c.session == nil || string(c.session.ID) != p.SessionID || !chattable(c.state) {
		c.mu.Unlock()
		return
	}
	msg := domain.ChatMessage{
		ID:     p.Message.ID,
		Origin: domain.OriginPartner,
		Text:   p.Message.Text,
		SentAt: time.Now(),
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.notifyMessage(msg)
}

// SetTyping pushes the local typing state to the partner. Best effort; typing
// hints are cosmetic and never surface transport errors.
func (c *Client) SetTyping(on bool) {
	c.mu.Lock()
	ok := c.session != nil && chattable(c.state)
	var sid domain.SessionID
	if ok {
		sid = c.session.ID
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = c.ch.Emit(core.EvUserTyping, core.TypingPayload{SessionID: string(sid), IsTyping: on})
}

func (c *Client) handlePartnerTyping(data json.RawMessage) {
	var p core.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.mu.Lock()
	ok := c.session != nil && string(c.session.ID) == p.SessionID
	fn := c.onTyping
	c.mu.Unlock()
	if ok && fn != nil {
		fn(p.IsTyping)
	}
}

// UpdateProfile pushes the visitor's matching preferences to the service.
func (c *Client) UpdateProfile(p domain.Profile) error {
	return c.ch.Emit(core.EvUpdateProfile, p)
}

// BlockPartner ends the current conversation and asks the service never to
// pair the two identities again.
func (c *Client) BlockPartner(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil || sess.PartnerProfile == nil {
		return core.ErrNoSession
	}
	partner := domain.Identity(sess.PartnerProfile.UserID)
	if err := c.api.Block(ctx, c.identity.Current(), partner); err != nil {
		return err
	}
	return c.Disconnect(ctx)
}

// ReportPartner files an abuse report for the current partner.
func (c *Client) ReportPartner(ctx context.Context, reason string) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil || sess.PartnerProfile == nil {
		return core.ErrNoSession
	}
	partner := domain.Identity(sess.PartnerProfile.UserID)
	return c.api.Report(ctx, c.identity.Current(), partner, reason)
}
