package models

import "time"

// ThreadStatus is the lifecycle state of a chat thread. Closed is terminal.
type ThreadStatus string

const (
	ThreadOpen   ThreadStatus = "open"
	ThreadClosed ThreadStatus = "closed"
)

// Thread is the two-party conversation scoped to one service request.
type Thread struct {
	ID        int64        `db:"id" json:"id"`
	RequestID int64        `db:"request_id" json:"requestId"`
	ClientID  int64        `db:"client_id" json:"clientId"`
	AdminID   *int64       `db:"admin_id" json:"adminId"`
	Status    ThreadStatus `db:"status" json:"status"`
	OpenedAt  time.Time    `db:"opened_at" json:"openedAt"`
	ClosedAt  *time.Time   `db:"closed_at" json:"closedAt"`
	CleanedAt *time.Time   `db:"cleaned_at" json:"-"`
}

// IsOpen reports whether messages may still be posted.
func (t Thread) IsOpen() bool {
	return t.Status == ThreadOpen
}

// ServiceRequest is the slice of the booking request the chat needs.
type ServiceRequest struct {
	ID       int64 `db:"id" json:"id"`
	ClientID int64 `db:"client_id" json:"clientId"`
}
