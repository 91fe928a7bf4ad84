package models

import (
	"encoding/json"
	"time"
)

// OperationKind selects how a queued operation is dispatched on drain.
type OperationKind string

const (
	KindMessageSend      OperationKind = "message-send"
	KindMediaSend        OperationKind = "media-send"
	KindProfileUpdate    OperationKind = "profile-update"
	KindMembershipAction OperationKind = "membership-action"
	KindReceipt          OperationKind = "receipt"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case KindMessageSend, KindMediaSend, KindProfileUpdate, KindMembershipAction, KindReceipt:
		return true
	}
	return false
}

// QueueItem is a durable record of one operation the relay has not yet
// acknowledged. ID is the correlation id.
type QueueItem struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	Kind          OperationKind   `json:"kind"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	CredentialRef string          `json:"credential_ref"`
}

// Exhausted reports whether the item has used its attempt budget.
func (q *QueueItem) Exhausted() bool {
	return q.MaxAttempts > 0 && q.Attempts >= q.MaxAttempts
}

// MessagePayload is the payload of message-send and media-send items.
type MessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content,omitempty"`
	MediaRef       string `json:"media_ref,omitempty"`
}

// ReceiptPayload is the payload of receipt items.
type ReceiptPayload struct {
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
}

// ProfilePayload is the payload of profile-update items.
type ProfilePayload struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	StatusText  string `json:"status_text,omitempty"`
}

// MembershipAction names a change to conversation membership.
type MembershipAction string

const (
	MembershipJoin  MembershipAction = "join"
	MembershipLeave MembershipAction = "leave"
)

// MembershipPayload is the payload of membership-action items.
type MembershipPayload struct {
	Action         MembershipAction `json:"action"`
	ConversationID string           `json:"conversation_id"`
}
