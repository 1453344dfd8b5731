// Package policy decides which actors may act on a chat thread. The same
// checks back the REST handlers and the realtime subscribe handshake.
package policy

import "chat-service/internal/models"

// Role is the capability class of an authenticated actor.
type Role string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// Actor is the authenticated caller.
type Actor struct {
	ID   int64
	Role Role
}

// IsAdmin reports whether the actor holds the global admin capability.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// NormalizeRole maps an identity-service role string onto a Role. Anything
// unrecognised is treated as a client.
func NormalizeRole(role string) Role {
	if Role(role) == RoleAdmin {
		return RoleAdmin
	}
	return RoleClient
}

// CanView allows the thread's client, its admin, or any admin.
func CanView(actor Actor, thread models.Thread) bool {
	if actor.IsAdmin() {
		return true
	}
	if actor.ID == thread.ClientID {
		return true
	}
	return thread.AdminID != nil && *thread.AdminID == actor.ID
}

// CanPost additionally requires the thread to be open.
func CanPost(actor Actor, thread models.Thread) bool {
	return CanView(actor, thread) && thread.IsOpen()
}

// CanClose follows view access.
func CanClose(actor Actor, thread models.Thread) bool {
	return CanView(actor, thread)
}

// CanOpen allows the request owner or any admin.
func CanOpen(actor Actor, request models.ServiceRequest) bool {
	return actor.IsAdmin() || actor.ID == request.ClientID
}
