package models

import "time"

// Event names published on a thread topic.
const (
	EventMessageCreated = "MessageCreated"
	EventThreadClosed   = "ThreadClosed"
)

// MessageCreated is broadcast after a message is persisted. MediaURL is
// resolved at broadcast time and omitted when signing failed.
type MessageCreated struct {
	ID        int64       `json:"id"`
	Type      MessageType `json:"type"`
	Text      *string     `json:"text,omitempty"`
	Latitude  *float64    `json:"lat,omitempty"`
	Longitude *float64    `json:"lng,omitempty"`
	MediaURL  *string     `json:"mediaUrl,omitempty"`
	SenderID  int64       `json:"senderId"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ThreadClosedEvent is broadcast once, on the open to closed transition.
type ThreadClosedEvent struct {
	ThreadID int64     `json:"threadId"`
	ClosedAt time.Time `json:"closedAt"`
}

// ChatEvent is the wire envelope delivered to subscribers.
type ChatEvent struct {
	Event string `json:"event"`
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}
