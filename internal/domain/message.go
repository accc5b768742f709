package domain

import "time"

// MessageOrigin says which side of the conversation produced a message.
type MessageOrigin int

const (
	OriginSelf MessageOrigin = iota
	OriginPartner
)

func (o MessageOrigin) String() string {
	if o == OriginSelf {
		return "you"
	}
	return "them"
}

// ChatMessage is a single text message inside a session. Ordering is receipt
// order; messages from a stale session are discarded before they get here.
type ChatMessage struct {
	ID     string
	Origin MessageOrigin
	Text   string
	SentAt time.Time
}
