package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

var ErrBusy = errors.New("a conversation is already in progress")

// Start runs the full pairing flow: identity handshake, media acquisition
// (video mode), pairing request, then the latch race between the REST reply
// and the asynchronous matched event. Timeout, media and API failures surface
// to the caller with partial resources rolled back; the cached identity
// survives for the next attempt.
func (c *Client) Start(ctx context.Context, mode domain.ChatMode) error {
	c.mu.Lock()
	if c.state != domain.StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	attempt := &pairingAttempt{mode: mode}
	c.pairing = attempt
	c.state = domain.StateConnecting
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(domain.StateConnecting)
	}

	id, err := c.identity.Acquire(ctx)
	if err != nil {
		c.rollbackStart()
		return err
	}

	c.subscribeSessionEvents()

	if mode == domain.ModeVideo {
		handle, err := c.mediaSrc.Acquire(ctx, mode)
		if err != nil {
			if !c.rollbackStart() {
				return nil
			}
			return fmt.Errorf("acquiring capture: %w", err)
		}
		c.mu.Lock()
		c.media = handle
		c.mu.Unlock()
	}

	res, err := c.api.Start(ctx, id, mode)
	if err != nil {
		if !c.rollbackStart() {
			// The matched event won the latch while the call was in flight;
			// the failed reply is the losing producer.
			log.Debug().Str("module", "app").Err(err).Msg("pairing reply lost to a matched event")
			return nil
		}
		return err
	}

	if res.Status == "matched" {
		c.resolveMatch(res.SessionID, roleFromFlag(res.IsInitiator), res.PartnerProfile, "rest")
		return nil
	}

	// Waiting. The matched event may already have won the race while the REST
	// call was in flight; in that case this branch must do nothing. The state
	// write shares the latch check's critical section so a concurrent adoption
	// cannot be overwritten with Waiting.
	c.mu.Lock()
	if c.state != domain.StateConnecting || attempt.resolved {
		c.mu.Unlock()
		return nil
	}
	c.waitSID = res.SessionID
	c.state = domain.StateWaiting
	fn = c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(domain.StateWaiting)
	}
	log.Info().Str("module", "app").Str("wait_sid", string(res.SessionID)).
		Int("estimated_wait_s", res.EstimatedWaitTime).Msg("waiting for a partner")
	_ = c.ch.Emit(core.EvJoinSession, core.SessionRef{SessionID: string(res.SessionID)})
	c.scheduleReconcile(attempt)
	return nil
}

func roleFromFlag(isInitiator bool) domain.Role {
	if isInitiator {
		return domain.RoleInitiator
	}
	return domain.RoleResponder
}

// resolveMatch is the single entry point for every producer of the Matched
// transition: the REST reply, the matched event, the matched-broadcast
// fallback and the waiting reconciliation. Duplicates for the active session
// are no-ops; a different session id supersedes the active session, which is
// discarded first so two negotiations never run concurrently.
func (c *Client) resolveMatch(sid domain.SessionID, role domain.Role, profile *domain.Profile, source string) {
	c.mu.Lock()
	if c.state == domain.StateIdle || c.state == domain.StateDisconnecting || c.tearingDown {
		c.mu.Unlock()
		return
	}
	if c.session != nil && c.session.ID == sid {
		c.mu.Unlock()
		log.Debug().Str("module", "app").Str("sid", string(sid)).Str("source", source).Msg("duplicate match dropped")
		return
	}

	var staleLink core.PeerLink
	var staleSID domain.SessionID
	if c.session != nil {
		staleLink = c.link
		c.link = nil
		staleSID = c.session.ID
		c.session = nil
	}

	mode := domain.ModeText
	if c.pairing != nil {
		c.pairing.resolved = true
		mode = c.pairing.mode
	}
	sess := domain.NewSession(sid, mode, role)
	sess.PartnerProfile = profile
	c.session = sess
	c.stopReconcileLocked()
	c.mu.Unlock()

	// Stale session resources go first, then the new session is adopted.
	if staleLink != nil {
		staleLink.Close()
	}
	if staleSID != "" {
		_ = c.ch.Emit(core.EvLeaveSession, core.SessionRef{SessionID: string(staleSID)})
		log.Info().Str("module", "app").Str("stale", string(staleSID)).Str("sid", string(sid)).Msg("session superseded")
	}

	log.Info().Str("module", "app").Str("sid", string(sid)).Str("role", role.String()).
		Str("source", source).Msg("matched")
	c.setState(domain.StateMatched)
	_ = c.ch.Emit(core.EvJoinSession, core.SessionRef{SessionID: string(sid)})

	c.mu.Lock()
	fn := c.onMatched
	c.mu.Unlock()
	if fn != nil {
		fn(*sess)
	}

	if mode == domain.ModeVideo {
		c.beginNegotiation(sess)
	}
}

func (c *Client) handleMatched(data json.RawMessage) {
	var p core.MatchedPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	c.resolveMatch(domain.SessionID(p.SessionID), roleFromFlag(p.IsInitiator), p.PartnerProfile, "event")
}

// handleMatchedBroadcast is the session-room fallback notification. It names
// both identities; it only matters while Waiting, where the waiting side is
// by definition the initiator.
func (c *Client) handleMatchedBroadcast(data json.RawMessage) {
	var p core.MatchedBroadcast
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return
	}
	me := string(c.identity.Current())
	if me == "" || (p.User1ID != me && p.User2ID != me) {
		return
	}

	c.mu.Lock()
	waiting := c.state == domain.StateWaiting
	c.mu.Unlock()
	if !waiting {
		return
	}
	c.resolveMatch(domain.SessionID(p.SessionID), domain.RoleInitiator, nil, "broadcast")
}

func (c *Client) handlePartnerGone(data json.RawMessage) {
	var p core.SessionRef
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.mu.Lock()
	match := c.session != nil && string(c.session.ID) == p.SessionID
	if !match && c.state == domain.StateWaiting {
		match = string(c.waitSID) == p.SessionID
	}
	c.mu.Unlock()
	if !match {
		return
	}
	log.Info().Str("module", "app").Str("sid", p.SessionID).Str("reason", p.Reason).Msg("session over")
	c.teardown(context.Background(), false, nil)
}

// scheduleReconcile arms the one-shot Waiting reconciliation: if no match
// notification lands within the bound, ask the pairing service once whether a
// session exists and adopt it if so.
func (c *Client) scheduleReconcile(attempt *pairingAttempt) {
	if c.cfg.ReconcileAfter <= 0 {
		return
	}
	c.mu.Lock()
	c.stopReconcileLocked()
	c.reconcile = time.AfterFunc(c.cfg.ReconcileAfter, func() {
		c.mu.Lock()
		stale := c.state != domain.StateWaiting || attempt.resolved
		c.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := c.api.Lookup(ctx, c.identity.Current())
		if err != nil || res.Status != "matched" {
			return
		}
		log.Info().Str("module", "app").Str("sid", string(res.SessionID)).Msg("match recovered by reconciliation")
		c.resolveMatch(res.SessionID, roleFromFlag(res.IsInitiator), res.PartnerProfile, "reconcile")
	})
	c.mu.Unlock()
}

func (c *Client) stopReconcileLocked() {
	if c.reconcile != nil {
		c.reconcile.Stop()
		c.reconcile = nil
	}
}

// rollbackStart clears everything a failed Start may have half-acquired, so
// the failure surfaces without partial state. The identity cache is kept.
// When a matched event already won the latch nothing is touched: the adopted
// session stands, rollbackStart returns false, and the caller swallows the
// failure as the losing producer.
func (c *Client) rollbackStart() bool {
	c.mu.Lock()
	if c.session != nil || (c.pairing != nil && c.pairing.resolved) {
		c.mu.Unlock()
		return false
	}
	handle := c.media
	c.media = nil
	c.pairing = nil
	c.waitSID = ""
	c.stopReconcileLocked()
	c.state = domain.StateIdle
	fn := c.onState
	c.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	c.unsubscribeSessionEvents()
	if fn != nil {
		fn(domain.StateIdle)
	}
	return true
}

const (
	matchedHandlerID     = "session.matched"
	broadcastHandlerID   = "session.matched-broadcast"
	partnerGoneHandlerID = "session.partner-gone"
	endedHandlerID       = "session.ended"
	messageHandlerID     = "chat.inbound"
	typingHandlerID      = "chat.typing"
	offerHandlerID       = "signal.offer"
	answerHandlerID      = "signal.answer"
	candidateHandlerID   = "signal.candidate"
)

// subscribeSessionEvents installs every long-lived handler. The registry is
// keyed, so calling this on every Start replaces instead of stacking.
func (c *Client) subscribeSessionEvents() {
	c.ch.Subscribe(core.EvMatched, matchedHandlerID, c.handleMatched)
	c.ch.Subscribe(core.EvMatchedBroadcast, broadcastHandlerID, c.handleMatchedBroadcast)
	c.ch.Subscribe(core.EvPartnerDisconnected, partnerGoneHandlerID, c.handlePartnerGone)
	c.ch.Subscribe(core.EvSessionEnded, endedHandlerID, c.handlePartnerGone)
	c.ch.Subscribe(core.EvNewMessage, messageHandlerID, c.handleNewMessage)
	c.ch.Subscribe(core.EvPartnerTyping, typingHandlerID, c.handlePartnerTyping)
	c.ch.Subscribe(core.EvNegotiationOffer, offerHandlerID, c.handleOffer)
	c.ch.Subscribe(core.EvNegotiationAnswer, answerHandlerID, c.handleAnswer)
	c.ch.Subscribe(core.EvNegotiationCandidate, candidateHandlerID, c.handleCandidate)
}

func (c *Client) unsubscribeSessionEvents() {
	c.ch.Unsubscribe(core.EvMatched, matchedHandlerID)
	c.ch.Unsubscribe(core.EvMatchedBroadcast, broadcastHandlerID)
	c.ch.Unsubscribe(core.EvPartnerDisconnected, partnerGoneHandlerID)
	c.ch.Unsubscribe(core.EvSessionEnded, endedHandlerID)
	c.ch.Unsubscribe(core.EvNewMessage, messageHandlerID)
	c.ch.Unsubscribe(core.EvPartnerTyping, typingHandlerID)
	c.ch.Unsubscribe(core.EvNegotiationOffer, offerHandlerID)
	c.ch.Unsubscribe(core.EvNegotiationAnswer, answerHandlerID)
	c.ch.Unsubscribe(core.EvNegotiationCandidate, candidateHandlerID)
}
