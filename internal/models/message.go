package models

import "time"

// MessageType discriminates which payload fields a message carries.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageLocation MessageType = "location"
)

// Message is an immutable chat message. Exactly one payload group is set,
// chosen by Type. MediaPath is the raw object path; signed URLs are never
// stored.
type Message struct {
	ID         int64       `db:"id" json:"id"`
	ThreadID   int64       `db:"thread_id" json:"threadId"`
	SenderID   int64       `db:"sender_id" json:"senderId"`
	Type       MessageType `db:"type" json:"type"`
	Text       *string     `db:"text" json:"text,omitempty"`
	Latitude   *float64    `db:"latitude" json:"lat,omitempty"`
	Longitude  *float64    `db:"longitude" json:"lng,omitempty"`
	MediaPath  *string     `db:"media_path" json:"mediaPath,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"createdAt"`
	RedactedAt *time.Time  `db:"redacted_at" json:"-"`
}

// MessagePage is one page of a reverse-chronological listing.
type MessagePage struct {
	Messages   []Message
	NextCursor *int64
}
