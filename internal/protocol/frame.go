// Package protocol defines the frames exchanged between chat clients and the
// relay. Every frame is a single JSON object discriminated by Type.
package protocol

import (
	"encoding/json"
	"time"
)

// FrameType discriminates a Frame.
type FrameType string

const (
	// Handshake
	TypeAuthenticate FrameType = "authenticate"
	TypeAuthOK       FrameType = "auth_ok"
	TypeAuthError    FrameType = "auth_error"

	// Client -> relay requests. Each carries a RequestID and receives exactly
	// one TypeAck or TypeError reply.
	TypeSendMessage  FrameType = "send_message"
	TypeAckDelivered FrameType = "ack_delivered"
	TypeAckRead      FrameType = "ack_read"
	TypeOperation    FrameType = "operation"

	// Relay -> client replies
	TypeAck   FrameType = "ack"
	TypeError FrameType = "error"

	// Relay -> client events
	TypeMessageDelivered FrameType = "message_delivered"
	TypeStatusUpdate     FrameType = "status_update"
	TypePresenceOnline   FrameType = "presence_online"
	TypePresenceOffline  FrameType = "presence_offline"

	// Bidirectional
	TypeTypingStart FrameType = "typing_start"
	TypeTypingStop  FrameType = "typing_stop"
	TypePing        FrameType = "ping"
	TypePong        FrameType = "pong"
)

// ReceiptKind distinguishes delivered from read receipts.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// Valid reports whether k is a known receipt kind.
func (k ReceiptKind) Valid() bool {
	return k == ReceiptDelivered || k == ReceiptRead
}

// Frame is the single envelope on the wire. Fields are populated according to
// Type; unused fields are omitted.
type Frame struct {
	Type           FrameType       `json:"type"`
	RequestID      string          `json:"request_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	SenderID       string          `json:"sender_id,omitempty"`
	Token          string          `json:"token,omitempty"`
	Content        string          `json:"content,omitempty"`
	MediaRef       string          `json:"media_ref,omitempty"`
	Kind           string          `json:"kind,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Sequence       int64           `json:"sequence,omitempty"`
	Status         string          `json:"status,omitempty"`
	Timestamp      int64           `json:"ts,omitempty"`
	Error          *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the structured error carried by TypeError and TypeAuthError.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// IsRequest reports whether the frame expects exactly one reply.
func (f Frame) IsRequest() bool {
	switch f.Type {
	case TypeSendMessage, TypeAckDelivered, TypeAckRead, TypeOperation:
		return true
	}
	return false
}

// IsReply reports whether the frame answers a request.
func (f Frame) IsReply() bool {
	return f.Type == TypeAck || f.Type == TypeError
}

// Time returns the frame timestamp.
func (f Frame) Time() time.Time {
	if f.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(f.Timestamp)
}

// Now is the timestamp format used on every frame.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Ping builds a heartbeat ping stamped with the current time.
func Ping() Frame {
	return Frame{Type: TypePing, Timestamp: Now()}
}

// Pong echoes the timestamp of ping so the sender can compute round-trip time.
func Pong(ping Frame) Frame {
	return Frame{Type: TypePong, Timestamp: ping.Timestamp}
}

// Ack builds the success reply for a request.
func Ack(req Frame) Frame {
	return Frame{
		Type:          TypeAck,
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		Timestamp:     Now(),
	}
}

// Fail builds the error reply for a request.
func Fail(req Frame, body *ErrorBody) Frame {
	return Frame{
		Type:          TypeError,
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		Error:         body,
		Timestamp:     Now(),
	}
}
