package delivery

import (
	"fmt"
	"sync"
	"time"

	"chatsync/internal/protocol"
)

// View is a read-only copy of a tracker's state.
type View struct {
	MessageID   string    `json:"message_id,omitempty"`
	SenderID    string    `json:"sender_id"`
	Status      Status    `json:"status"`
	DeliveredTo []Receipt `json:"delivered_to"`
	ReadBy      []Receipt `json:"read_by"`
}

// Ledger is the client-side collection of trackers for messages this device
// knows about. Optimistic messages are held under their correlation id until
// the relay confirms them; from then on they are keyed by message id only.
type Ledger struct {
	mu       sync.Mutex
	pending  map[string]*Tracker
	messages map[string]*Tracker
}

func NewLedger() *Ledger {
	return &Ledger{
		pending:  make(map[string]*Tracker),
		messages: make(map[string]*Tracker),
	}
}

// Track registers an optimistic message in Sending.
func (l *Ledger) Track(correlationID, senderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[correlationID]; ok {
		return
	}
	l.pending[correlationID] = NewTracker(senderID)
}

// Confirm moves a pending message to Sent under its durable id. Receipts that
// raced ahead of the confirmation and were recorded under the message id are
// merged in.
func (l *Ledger) Confirm(correlationID, messageID string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.pending[correlationID]
	if !ok {
		if existing, ok := l.messages[messageID]; ok {
			return existing.status, nil
		}
		return StatusSending, fmt.Errorf("no pending message for correlation id %s", correlationID)
	}
	delete(l.pending, correlationID)

	if early, ok := l.messages[messageID]; ok {
		for id, at := range early.delivered {
			t.delivered[id] = at
		}
		for id, at := range early.read {
			t.read[id] = at
		}
		t.status = Advance(t.status, early.status)
	}
	if err := t.MarkSent(messageID); err != nil {
		return t.status, err
	}
	l.messages[messageID] = t
	return t.status, nil
}

// Fail marks a pending message as Failed and forgets it.
func (l *Ledger) Fail(correlationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.pending[correlationID]
	if !ok {
		return nil
	}
	delete(l.pending, correlationID)
	return t.MarkFailed()
}

// Apply records a receipt for a confirmed message. Unknown message ids are
// tracked from Sent, which covers messages sent from another of our devices.
func (l *Ledger) Apply(messageID, senderID, userID string, kind protocol.ReceiptKind, at time.Time) (Status, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.messages[messageID]
	if !ok {
		t = NewTracker(senderID)
		t.MessageID = messageID
		t.status = StatusSent
		l.messages[messageID] = t
	}
	changed, err := t.Apply(userID, kind, at)
	return t.status, changed, err
}

// PendingStatus returns the status of an unconfirmed message.
func (l *Ledger) PendingStatus(correlationID string) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.pending[correlationID]
	if !ok {
		return StatusSending, false
	}
	return t.status, true
}

// Get returns a copy of a confirmed message's state.
func (l *Ledger) Get(messageID string) (View, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.messages[messageID]
	if !ok {
		return View{}, false
	}
	return View{
		MessageID:   t.MessageID,
		SenderID:    t.SenderID,
		Status:      t.status,
		DeliveredTo: t.DeliveredTo(),
		ReadBy:      t.ReadBy(),
	}, true
}
