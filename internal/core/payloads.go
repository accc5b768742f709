package core

import (
	"encoding/json"

	"github.com/roulette-chat/roulette/internal/domain"
)

// Payload shapes for the channel events of events.go. The client adapter and
// the reference server both marshal these, so the wire stays in one place.

type IdentityAnnounce struct {
	UserID string `json:"user_id"`
}

type MatchedPayload struct {
	SessionID      string          `json:"session_id"`
	ChatType       string          `json:"chat_type,omitempty"`
	PartnerID      string          `json:"partner_id,omitempty"`
	IsInitiator    bool            `json:"is_initiator"`
	PartnerProfile *domain.Profile `json:"partner_profile,omitempty"`
}

type MatchedBroadcast struct {
	SessionID string `json:"session_id"`
	User1ID   string `json:"user1_id"`
	User2ID   string `json:"user2_id"`
}

type WireMessage struct {
	ID   string `json:"id"`
	From string `json:"from"` // "you" | "them"
	Text string `json:"text"`
}

type NewMessagePayload struct {
	SessionID string      `json:"session_id"`
	Message   WireMessage `json:"message"`
}

// SessionRef covers partner-disconnected, session-ended and join/leave-session.
type SessionRef struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// NegotiationPayload carries offer/answer/candidate bodies opaquely; only the
// session id is inspected for routing.
type NegotiationPayload struct {
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

type TypingPayload struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

type QualityPayload struct {
	Quality string `json:"quality"`
}
