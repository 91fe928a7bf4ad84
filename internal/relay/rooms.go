package relay

import (
	"context"
	"time"

	"chatsync/internal/metrics"
	"chatsync/internal/protocol"
	"chatsync/internal/transport"
)

func (h *Hub) roomsOf(ctx context.Context, userID string) ([]string, error) {
	var rooms []string
	err := h.guard(ctx, func(ctx context.Context) error {
		var err error
		rooms, err = h.dir.ConversationsOf(ctx, userID)
		return err
	})
	return rooms, err
}

func (h *Hub) register(c *connection, rooms []string) {
	h.mu.Lock()
	h.conns[c.id] = c
	if h.users[c.userID] == nil {
		h.users[c.userID] = make(map[string]*connection)
	}
	h.users[c.userID][c.id] = c
	for _, room := range rooms {
		h.joinLocked(c, room)
	}
	active := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetGauge(metrics.RelayConnectionsActive, float64(active), nil, "Authenticated relay connections")
	h.entry(c).WithField("rooms", len(rooms)).Info("Connection registered")
}

func (h *Hub) joinLocked(c *connection, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*connection)
	}
	h.rooms[room][c.id] = c
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *connection, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// clearTypingLocked drops the user's indicators in rooms and returns them.
func (h *Hub) clearTypingLocked(userID string, rooms []string) []typingKey {
	var cleared []typingKey
	for _, room := range rooms {
		key := typingKey{conversationID: room, userID: userID}
		if _, ok := h.typing[key]; ok {
			delete(h.typing, key)
			cleared = append(cleared, key)
		}
	}
	return cleared
}

// welcome records the connection in the presence registry, announces the
// user if this is their first connection and sends the new connection the
// contacts that are already online.
func (h *Hub) welcome(c *connection) {
	ctx, cancel := context.WithTimeout(c.ctx, h.opts.HandshakeTimeout)
	defer cancel()

	lock := h.userLock(c.userID)
	lock.Lock()
	first, err := h.presence.Add(ctx, c.userID, c.id)
	if err != nil {
		h.entry(c).WithError(err).Error("Failed to record presence")
	} else if first {
		h.broadcastPresence(ctx, c.userID, protocol.TypePresenceOnline)
	}
	lock.Unlock()

	contacts, err := h.contactsOf(ctx, c.userID)
	if err != nil {
		h.entry(c).WithError(err).Warn("Presence snapshot skipped")
		return
	}
	for _, contact := range contacts {
		online, err := h.presence.Online(ctx, contact)
		if err != nil || !online {
			continue
		}
		h.deliver(c, protocol.Frame{Type: protocol.TypePresenceOnline, UserID: contact, Timestamp: protocol.Now()})
	}
}

func (h *Hub) unregister(c *connection) {
	c.cancel()

	h.mu.Lock()
	delete(h.conns, c.id)
	if set, ok := h.users[c.userID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		h.leaveLocked(c, room)
	}
	stopped := h.clearTypingLocked(c.userID, rooms)
	active := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetGauge(metrics.RelayConnectionsActive, float64(active), nil, "Authenticated relay connections")
	for _, key := range stopped {
		h.broadcastTyping(key, protocol.TypeTypingStop)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 5*time.Second)
	defer cancel()

	lock := h.userLock(c.userID)
	lock.Lock()
	last, err := h.presence.Remove(ctx, c.userID, c.id)
	if err != nil {
		h.entry(c).WithError(err).Error("Failed to clear presence")
	} else if last {
		h.broadcastPresence(ctx, c.userID, protocol.TypePresenceOffline)
	}
	lock.Unlock()

	h.entry(c).Info("Connection unregistered")
}

// resubscribe rebuilds the rooms of every live connection of userID from the
// membership store.
func (h *Hub) resubscribe(ctx context.Context, userID string) error {
	rooms, err := h.roomsOf(ctx, userID)
	if err != nil {
		return err
	}
	want := make(map[string]struct{}, len(rooms))
	for _, r := range rooms {
		want[r] = struct{}{}
	}

	h.mu.Lock()
	var left []string
	for _, c := range h.users[userID] {
		for room := range c.rooms {
			if _, keep := want[room]; !keep {
				h.leaveLocked(c, room)
				left = append(left, room)
			}
		}
		for room := range want {
			h.joinLocked(c, room)
		}
	}
	stopped := h.clearTypingLocked(userID, left)
	h.mu.Unlock()

	for _, key := range stopped {
		h.broadcastTyping(key, protocol.TypeTypingStop)
	}
	return nil
}

func (h *Hub) contactsOf(ctx context.Context, userID string) ([]string, error) {
	var contacts []string
	err := h.guard(ctx, func(ctx context.Context) error {
		var err error
		contacts, err = h.dir.ContactsOf(ctx, userID)
		return err
	})
	return contacts, err
}

// broadcastPresence tells every live connection of the user's contacts that
// the user came online or went offline.
func (h *Hub) broadcastPresence(ctx context.Context, userID string, typ protocol.FrameType) {
	contacts, err := h.contactsOf(ctx, userID)
	if err != nil {
		h.logger.WithError(err).WithField("event", typ).Warn("Presence broadcast skipped")
		return
	}

	h.mu.RLock()
	var targets []*connection
	for _, contact := range contacts {
		for _, c := range h.users[contact] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	f := protocol.Frame{Type: typ, UserID: userID, Timestamp: protocol.Now()}
	for _, c := range targets {
		h.deliver(c, f)
	}
}

// fanout sends f to every connection in the room except skip.
func (h *Hub) fanout(room string, f protocol.Frame, skip func(*connection) bool) int {
	h.mu.RLock()
	targets := make([]*connection, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		if skip == nil || !skip(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, f)
	}
	if len(targets) > 0 {
		h.metrics.AddToCounter(metrics.RelayFanoutEvents, float64(len(targets)), map[string]string{"type": string(f.Type)}, "Events fanned out to connections")
	}
	return len(targets)
}

// deliver queues f for c. A connection whose buffer is full is closed so the
// client reconnects instead of silently missing events.
func (h *Hub) deliver(c *connection, f protocol.Frame) {
	if c.enqueue(f) || c.ctx.Err() != nil {
		return
	}
	h.entry(c).WithField("type", f.Type).Warn("Send buffer full, dropping connection")
	c.closeWith(transport.StatusOverloaded, "send buffer full")
}
