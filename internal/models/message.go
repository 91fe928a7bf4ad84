package models

import (
	"time"

	"chatsync/internal/delivery"
)

// Message is a conversation message once the relay has accepted it.
type Message struct {
	ID             string          `json:"id"`
	CorrelationID  string          `json:"correlation_id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Content        string          `json:"content,omitempty"`
	MediaRef       string          `json:"media_ref,omitempty"`
	Sequence       int64           `json:"sequence"`
	Status         delivery.Status `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Role is a participant's role in a conversation.
type Role string

const (
	RoleNone   Role = ""
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// CanPostRestricted reports whether the role may post where posting is
// restricted to administrators.
func (r Role) CanPostRestricted() bool {
	return r == RoleAdmin || r == RoleOwner
}

// ConversationKind distinguishes direct chats from groups.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is what the relay needs to know about a conversation.
type Conversation struct {
	ID                string           `json:"id"`
	Kind              ConversationKind `json:"kind"`
	RestrictedPosting bool             `json:"restricted_posting"`
}
