// Package core defines the capability interfaces the pairing client is built
// against, the wire-level event vocabulary, and the error taxonomy. Adapters
// own the concrete resources; core never touches transport directly.
package core

// Channel event names, shared by the client adapter and the reference server.
const (
	EvIdentityAnnounce     = "identity-announce"
	EvIdentityRequest      = "identity-request"
	EvMatched              = "matched"
	EvMatchedBroadcast     = "matched-broadcast"
	EvNewMessage           = "new-message"
	EvPartnerDisconnected  = "partner-disconnected"
	EvSessionEnded         = "session-ended"
	EvNegotiationOffer     = "negotiation-offer"
	EvNegotiationAnswer    = "negotiation-answer"
	EvNegotiationCandidate = "negotiation-candidate"
	EvJoinSession          = "join-session"
	EvLeaveSession         = "leave-session"
	EvUserTyping           = "user-typing"
	EvPartnerTyping        = "partner-typing"
	EvConnectionQuality    = "connection-quality"
	EvUpdateProfile        = "update-profile"
)
