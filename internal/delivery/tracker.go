package delivery

import (
	"sort"
	"time"

	"chatsync/internal/protocol"
)

// Receipt records that a participant received or read a message.
type Receipt struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// Tracker follows one message from creation to read. It is not safe for
// concurrent use; owners serialize access (the relay per message id, the
// client through Ledger).
type Tracker struct {
	MessageID string
	SenderID  string

	status    Status
	delivered map[string]time.Time
	read      map[string]time.Time
}

// NewTracker starts a message in Sending.
func NewTracker(senderID string) *Tracker {
	return &Tracker{
		SenderID:  senderID,
		status:    StatusSending,
		delivered: make(map[string]time.Time),
		read:      make(map[string]time.Time),
	}
}

// Status returns the aggregate status.
func (t *Tracker) Status() Status {
	return t.status
}

// MarkSent records relay acceptance and the durable message id.
func (t *Tracker) MarkSent(messageID string) error {
	if t.status == StatusFailed {
		return &InvalidTransitionError{From: t.status, To: StatusSent}
	}
	t.MessageID = messageID
	t.status = Advance(t.status, StatusSent)
	return nil
}

// MarkFailed moves a message that never got accepted to Failed.
func (t *Tracker) MarkFailed() error {
	if !CanTransition(t.status, StatusFailed) {
		return &InvalidTransitionError{From: t.status, To: StatusFailed}
	}
	t.status = StatusFailed
	return nil
}

// Apply records a receipt from userID. It reports whether anything changed;
// a duplicate receipt or a receipt from the sender is a no-op. A read receipt
// also counts as a delivered receipt.
func (t *Tracker) Apply(userID string, kind protocol.ReceiptKind, at time.Time) (bool, error) {
	if t.status == StatusFailed {
		return false, &InvalidTransitionError{From: t.status, To: statusFor(kind)}
	}
	if userID == "" || userID == t.SenderID {
		return false, nil
	}

	changed := false
	if _, ok := t.delivered[userID]; !ok {
		t.delivered[userID] = at
		changed = true
	}
	if kind == protocol.ReceiptRead {
		if _, ok := t.read[userID]; !ok {
			t.read[userID] = at
			changed = true
		}
	}

	// A receipt proves the relay accepted the message even if our own ack
	// has not arrived yet.
	t.status = Advance(t.status, statusFor(kind))
	return changed, nil
}

// DeliveredTo returns the delivered set ordered by time.
func (t *Tracker) DeliveredTo() []Receipt {
	return sortedReceipts(t.delivered)
}

// ReadBy returns the read set ordered by time.
func (t *Tracker) ReadBy() []Receipt {
	return sortedReceipts(t.read)
}

// HasRead reports whether userID is in the read set.
func (t *Tracker) HasRead(userID string) bool {
	_, ok := t.read[userID]
	return ok
}

// AllRead derives the "everyone read" indicator for group conversations from
// the per-participant read set. The sender is ignored.
func (t *Tracker) AllRead(members []string) bool {
	others := 0
	for _, m := range members {
		if m == t.SenderID {
			continue
		}
		others++
		if _, ok := t.read[m]; !ok {
			return false
		}
	}
	return others > 0
}

func statusFor(kind protocol.ReceiptKind) Status {
	if kind == protocol.ReceiptRead {
		return StatusRead
	}
	return StatusDelivered
}

func sortedReceipts(set map[string]time.Time) []Receipt {
	out := make([]Receipt, 0, len(set))
	for id, at := range set {
		out = append(out, Receipt{UserID: id, At: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}
