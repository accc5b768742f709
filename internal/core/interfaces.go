package core

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/roulette-chat/roulette/internal/domain"
)

// Handler consumes one inbound channel event payload. Handlers run on the
// channel's read pump, one at a time, in arrival order.
type Handler func(data json.RawMessage)

// EventChannel is the single persistent bidirectional event channel.
// Exactly one underlying connection exists per adapter; Connect while
// connected returns the existing connection. Subscriptions are keyed by
// (event, handler id): re-subscribing the same key replaces the handler
// instead of adding a duplicate.
type EventChannel interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool

	Subscribe(event, id string, fn Handler)
	Unsubscribe(event, id string)
	UnsubscribeAll()
	SubscriptionCount() int

	Emit(event string, payload any) error

	// Generation increments on every successful (re)connect. Consumers cache
	// it to detect that identity and session need re-validation.
	Generation() uint64
	OnReconnect(fn func())
}

// PeerLink is one peer-negotiation capability instance, bound to a single
// session. It must be closed before a new one is created for the identity.
type PeerLink interface {
	SessionID() domain.SessionID

	// CreateOffer produces and installs the local offer (Initiator side).
	CreateOffer() (*webrtc.SessionDescription, error)
	// AcceptOffer installs a remote offer and returns the local answer
	// (Responder side).
	AcceptOffer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(webrtc.ICECandidateInit) error

	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnConnected(fn func())
	OnClosed(fn func())
	// OnTrack fires for every inbound remote media track once negotiation
	// has produced one.
	OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))

	AttachMedia(h MediaHandle) error
	Close()
}

// PeerLinkFactory builds a PeerLink for a session; the orchestrator calls it
// at most once per adopted session.
type PeerLinkFactory func(sid domain.SessionID) (PeerLink, error)

// MediaHandle is the opaque local capture capability. Stop is idempotent and
// releases the device exactly once.
type MediaHandle interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	AudioEnabled() bool
	VideoEnabled() bool
	Stop()
}

// MediaSource acquires a MediaHandle for a chat mode. Text mode needs none;
// callers skip acquisition entirely there.
type MediaSource interface {
	Acquire(ctx context.Context, mode domain.ChatMode) (MediaHandle, error)
}

// PairingResult is the decoded reply of the pairing request/response calls.
type PairingResult struct {
	SessionID         domain.SessionID
	Status            string // "waiting" | "matched"
	PartnerID         domain.Identity
	IsInitiator       bool
	PartnerProfile    *domain.Profile
	EstimatedWaitTime int
}

// PairingAPI is the REST face of the pairing service.
type PairingAPI interface {
	Start(ctx context.Context, user domain.Identity, mode domain.ChatMode) (*PairingResult, error)
	SendMessage(ctx context.Context, sid domain.SessionID, user domain.Identity, text string) error
	Disconnect(ctx context.Context, sid domain.SessionID, user domain.Identity) error
	// Lookup is the best-effort reconciliation read used while Waiting.
	Lookup(ctx context.Context, user domain.Identity) (*PairingResult, error)
	Block(ctx context.Context, user, blocked domain.Identity) error
	Report(ctx context.Context, reporter, reported domain.Identity, reason string) error
}
