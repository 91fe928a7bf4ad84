// Package delivery holds the message status state machine and the
// per-participant receipt sets shared by the client and the relay.
package delivery

import (
	"fmt"
	"strings"
)

// Status is the aggregate delivery status of a message.
//
// Sending, Sent, Delivered and Read are ordered; a message only ever moves to
// a higher rank. Failed is a terminal branch reachable only from Sending.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sending":
		return StatusSending, nil
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	case "failed":
		return StatusFailed, nil
	}
	return StatusSending, fmt.Errorf("unknown delivery status %q", s)
}

// InvalidTransitionError is returned when a transition would regress or leave
// a terminal state.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid delivery transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is allowed. Repeating the current
// status is allowed (idempotent).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from == StatusSending
	}
	return to > from
}

// Advance returns the status after observing to. Lower-ranked observations
// leave the status unchanged, which keeps the aggregate monotonic under any
// interleaving of receipts.
func Advance(from, to Status) Status {
	if from == StatusFailed || to == StatusFailed {
		return from
	}
	if to > from {
		return to
	}
	return from
}
