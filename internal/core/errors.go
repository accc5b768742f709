package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout covers the identity handshake and negotiation step bounds.
	ErrTimeout = errors.New("timed out")

	// ErrMediaAccess means the capture device was denied or unavailable.
	ErrMediaAccess = errors.New("media access denied")

	// ErrSignaling is a peer-negotiation capability failure.
	ErrSignaling = errors.New("signaling failure")

	// ErrTransport means the event channel dropped unexpectedly.
	ErrTransport = errors.New("transport disconnected")

	// ErrHandshakeInFlight guards against a second concurrent identity
	// handshake; the pending one must resolve or time out first.
	ErrHandshakeInFlight = errors.New("identity handshake already in flight")

	// ErrNoSession is returned by operations that require a matched session.
	ErrNoSession = errors.New("no active session")

	// ErrEmptyMessage rejects blank chat input before it reaches the wire.
	ErrEmptyMessage = errors.New("empty message")
)

// APIError is a non-2xx or malformed-shape response from the pairing service.
type APIError struct {
	Status int
	Reason string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pairing api: status %d: %s", e.Status, e.Reason)
}

// NotRegistered reports the one distinguished condition the REST client may
// retry: the service has not seen our channel connection yet.
func (e *APIError) NotRegistered() bool {
	return e.Status == 400 && e.Reason == "user not connected"
}
