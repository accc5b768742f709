package domain

import "time"

type SessionID string

// ChatMode selects the kind of conversation requested from the pairing service.
type ChatMode string

const (
	ModeText  ChatMode = "text"
	ModeVideo ChatMode = "video"
)

// Role is assigned by the pairing service: the Initiator starts peer
// negotiation, the Responder reacts to inbound negotiation messages.
type Role int

const (
	RoleUnknown Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// SessionState is the pairing/negotiation lifecycle position.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateWaiting
	StateMatched
	StateNegotiating
	StateActive
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateWaiting:
		return "waiting"
	case StateMatched:
		return "matched"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Session is one matched conversation between exactly two identities.
// At most one Session is active per Identity; superseded sessions are
// discarded, never merged.
type Session struct {
	ID             SessionID
	Mode           ChatMode
	Role           Role
	PartnerProfile *Profile
	CreatedAt      time.Time
}

func NewSession(id SessionID, mode ChatMode, role Role) *Session {
	return &Session{ID: id, Mode: mode, Role: role, CreatedAt: time.Now()}
}
