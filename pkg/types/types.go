package types

import (
	"time"
)

// DefaultRoom is the permanent room every live connection belongs to.
// It cannot be deleted and cannot be left.
const DefaultRoom = "lobby"

// Message kind constants. Kind is free-form on the wire but these cover
// everything the core itself produces.
const (
	MessageKindChat   = "chat"
	MessageKindSystem = "system"
)

// Principal is the authenticated identity attached to a connection.
// A nil *Principal means the connection is anonymous.
type Principal struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// Room is the metadata record for a named broadcast domain. Membership is
// tracked by the connection registry; Room itself is immutable after creation.
type Room struct {
	Name       string    `json:"name"`
	MaxMembers int       `json:"max_members"`
	IsPrivate  bool      `json:"is_private"`
	Password   string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by"`
}

// RoomOptions carries caller-supplied settings for room creation.
type RoomOptions struct {
	MaxMembers int    `json:"max_members"`
	IsPrivate  bool   `json:"is_private"`
	Password   string `json:"password"`
}

// Message is a single payload scoped to a room. Immutable once created.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	Room        string    `json:"room"`
	Body        string    `json:"body"`
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	PrincipalID string    `json:"principal_id,omitempty"`
}
