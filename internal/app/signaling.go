package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

// beginNegotiation creates the one peer link for the adopted session,
// attaches local media, and, only on the Initiator side, sends the opening
// offer. The Responder waits for the inbound offer.
func (c *Client) beginNegotiation(sess *domain.Session) {
	link, err := c.newLink(sess.ID)
	if err != nil {
		c.reportSignaling(fmt.Errorf("creating peer link: %w", err))
		return
	}

	c.mu.Lock()
	if c.session == nil || c.session.ID != sess.ID || c.link != nil {
		// Superseded while the link was being built.
		c.mu.Unlock()
		link.Close()
		return
	}
	c.link = link
	media := c.media
	c.mu.Unlock()

	sid := sess.ID
	link.OnLocalCandidate(func(ci webrtc.ICECandidateInit) {
		payload, err := json.Marshal(ci)
		if err != nil {
			return
		}
		_ = c.ch.Emit(core.EvNegotiationCandidate, core.NegotiationPayload{
			SessionID: string(sid), Payload: payload,
		})
	})
	link.OnConnected(func() { c.onLinkConnected(sid) })
	link.OnClosed(func() {
		log.Debug().Str("module", "app.signal").Str("sid", string(sid)).Msg("peer link closed")
	})
	link.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		fn := c.onRemoteTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	if media != nil {
		if err := link.AttachMedia(media); err != nil {
			c.reportSignaling(fmt.Errorf("attaching media: %w", err))
			return
		}
	}

	if sess.Role != domain.RoleInitiator {
		log.Info().Str("module", "app.signal").Str("sid", string(sid)).Msg("awaiting offer")
		return
	}

	offer, err := link.CreateOffer()
	if err != nil {
		c.reportSignaling(fmt.Errorf("creating offer: %w", err))
		return
	}
	c.sendDescription(sid, core.EvNegotiationOffer, offer)
	log.Info().Str("module", "app.signal").Str("sid", string(sid)).Msg("offer sent")
}

func (c *Client) sendDescription(sid domain.SessionID, event string, desc *webrtc.SessionDescription) {
	payload, err := json.Marshal(desc)
	if err != nil {
		return
	}
	_ = c.ch.Emit(event, core.NegotiationPayload{SessionID: string(sid), Payload: payload})
}

// activeLink returns the peer link only when the message belongs to the
// active session. Stale and foreign signaling is expected traffic, dropped
// without an error.
func (c *Client) activeLink(sid string) core.PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || string(c.session.ID) != sid || c.link == nil {
		return nil
	}
	return c.link
}

func (c *Client) handleOffer(data json.RawMessage) {
	var p core.NegotiationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	link := c.activeLink(p.SessionID)
	if link == nil {
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(p.Payload, &offer); err != nil {
		return
	}
	answer, err := link.AcceptOffer(offer)
	if err != nil {
		c.reportSignaling(fmt.Errorf("accepting offer: %w", err))
		return
	}
	c.sendDescription(domain.SessionID(p.SessionID), core.EvNegotiationAnswer, answer)
	c.advanceNegotiating(p.SessionID)
}

func (c *Client) handleAnswer(data json.RawMessage) {
	var p core.NegotiationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	link := c.activeLink(p.SessionID)
	if link == nil {
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(p.Payload, &answer); err != nil {
		return
	}
	if err := link.AcceptAnswer(answer); err != nil {
		c.reportSignaling(fmt.Errorf("accepting answer: %w", err))
		return
	}
	c.advanceNegotiating(p.SessionID)
}

func (c *Client) handleCandidate(data json.RawMessage) {
	var p core.NegotiationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	link := c.activeLink(p.SessionID)
	if link == nil {
		return
	}

	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Payload, &ci); err != nil {
		return
	}
	if err := link.AddRemoteCandidate(ci); err != nil {
		log.Warn().Str("module", "app.signal").Str("sid", p.SessionID).Err(err).Msg("candidate rejected")
	}
}

func (c *Client) advanceNegotiating(sid string) {
	c.mu.Lock()
	ok := c.session != nil && string(c.session.ID) == sid && c.state == domain.StateMatched
	c.mu.Unlock()
	if ok {
		c.setState(domain.StateNegotiating)
	}
}

func (c *Client) onLinkConnected(sid domain.SessionID) {
	c.mu.Lock()
	ok := c.session != nil && c.session.ID == sid
	c.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("module", "app.signal").Str("sid", string(sid)).Msg("peer connection up")
	c.setState(domain.StateActive)
	c.startQualityReports(sid)
}

// startQualityReports emits a periodic connection-quality event while the
// peer link lives; the service stores it on the profile for match scoring.
func (c *Client) startQualityReports(sid domain.SessionID) {
	if c.cfg.QualityInterval <= 0 {
		return
	}
	c.mu.Lock()
	if c.qualityStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.qualityStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.QualityInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.activeLink(string(sid)) == nil {
					return
				}
				_ = c.ch.Emit(core.EvConnectionQuality, core.QualityPayload{Quality: "good"})
			}
		}
	}()
}

func (c *Client) stopQualityReportsLocked() {
	if c.qualityStop != nil {
		close(c.qualityStop)
		c.qualityStop = nil
	}
}

// reportSignaling funnels negotiation-capability failures: tear down, return
// to Idle, report. Never fatal to the process.
func (c *Client) reportSignaling(err error) {
	c.teardown(context.Background(), false, fmt.Errorf("%w: %v", core.ErrSignaling, err))
}
