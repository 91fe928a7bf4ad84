package relay

import (
	"context"
	"fmt"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/privacy"
	"chatsync/internal/protocol"
	"chatsync/internal/store"
	"chatsync/internal/tracing"

	"github.com/sirupsen/logrus"
)

// dispatch handles one inbound frame. Requests always get exactly one reply.
func (h *Hub) dispatch(c *connection, f protocol.Frame) {
	ctx := c.ctx
	if f.CorrelationID != "" {
		ctx = tracing.WithCorrelationID(ctx, f.CorrelationID)
	}

	switch f.Type {
	case protocol.TypePing:
		h.deliver(c, protocol.Pong(f))
	case protocol.TypePong:
	case protocol.TypeSendMessage:
		h.reply(ctx, c, f)(h.handleSend(ctx, c, f))
	case protocol.TypeAckDelivered, protocol.TypeAckRead:
		h.reply(ctx, c, f)(h.handleReceipt(ctx, c, f))
	case protocol.TypeOperation:
		h.reply(ctx, c, f)(h.handleOperation(ctx, c, f))
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		h.handleTyping(c, f)
	default:
		if f.RequestID != "" {
			h.reply(ctx, c, f)(protocol.Frame{}, apperrors.NewValidationError("type", fmt.Sprintf("unsupported frame type %q", f.Type)))
		}
	}
}

func (h *Hub) reply(ctx context.Context, c *connection, req protocol.Frame) func(protocol.Frame, error) {
	return func(resp protocol.Frame, err error) {
		if err == nil {
			h.deliver(c, resp)
			return
		}

		fields := privacy.MaskFields(tracing.Fields(ctx))
		fields["type"] = req.Type
		if apperrors.IsTerminal(err) {
			h.errLog.LogWarn(err, "Request rejected", fields)
		} else {
			h.errLog.LogError(err, "Request failed", fields)
		}
		h.metrics.IncrementCounter(metrics.RelayErrors, map[string]string{"code": string(apperrors.GetCode(err))}, "Relay request errors by code")
		h.deliver(c, protocol.Fail(req, apperrors.ToWire(err)))
	}
}

func (h *Hub) handleSend(ctx context.Context, c *connection, f protocol.Frame) (protocol.Frame, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.send_message",
		tracing.AttrUserID.String(c.userID),
		tracing.AttrConversationID.String(f.ConversationID),
		tracing.AttrCorrelationID.String(f.CorrelationID),
	)
	defer span.End()

	switch {
	case f.ConversationID == "":
		return protocol.Frame{}, apperrors.NewValidationError("conversation_id", "must not be empty")
	case f.CorrelationID == "":
		return protocol.Frame{}, apperrors.NewValidationError("correlation_id", "must not be empty")
	case f.Content == "" && f.MediaRef == "":
		return protocol.Frame{}, apperrors.NewValidationError("content", "message is empty")
	case len(f.Content) > h.opts.MaxContentBytes:
		return protocol.Frame{}, apperrors.NewValidationError("content", fmt.Sprintf("longer than %d bytes", h.opts.MaxContentBytes))
	}

	if err := h.authorizePost(ctx, c.userID, f.ConversationID); err != nil {
		tracing.RecordError(ctx, err)
		return protocol.Frame{}, err
	}

	var (
		msg     *models.Message
		created bool
	)
	err := h.guard(ctx, func(ctx context.Context) error {
		var err error
		msg, created, err = h.msgs.CreateMessage(ctx, store.NewMessage{
			CorrelationID:  f.CorrelationID,
			ConversationID: f.ConversationID,
			SenderID:       c.userID,
			Content:        f.Content,
			MediaRef:       f.MediaRef,
		})
		return err
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return protocol.Frame{}, err
	}
	tracing.AddSpanAttributes(ctx, tracing.AttrMessageID.String(msg.ID))

	if created {
		h.metrics.IncrementCounter(metrics.RelayMessagesAccepted, nil, "Messages accepted by the relay")
	} else {
		// The earlier submission may have been committed without reaching
		// anyone, so it is fanned out again. Clients drop repeats by id.
		h.metrics.IncrementCounter(metrics.RelayMessagesDuplicate, nil, "Resubmitted messages absorbed by correlation id")
		h.logger.WithFields(logrus.Fields{
			"correlation_id": privacy.ShortID(f.CorrelationID),
			"message_id":     privacy.ShortID(msg.ID),
		}).Debug("Duplicate submission acknowledged")
	}
	h.fanout(msg.ConversationID, protocol.Frame{
		Type:           protocol.TypeMessageDelivered,
		MessageID:      msg.ID,
		CorrelationID:  msg.CorrelationID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		MediaRef:       msg.MediaRef,
		Sequence:       msg.Sequence,
		Timestamp:      msg.CreatedAt.UnixMilli(),
	}, func(t *connection) bool { return t == c })

	ack := protocol.Ack(f)
	ack.MessageID = msg.ID
	ack.ConversationID = msg.ConversationID
	ack.Sequence = msg.Sequence
	ack.Status = msg.Status.String()
	return ack, nil
}

// authorizePost checks the sender is a member and, where posting is
// restricted, holds a role that may post. A missing conversation is reported
// like a missing membership.
func (h *Hub) authorizePost(ctx context.Context, userID, conversationID string) error {
	var (
		conv *models.Conversation
		role models.Role
	)
	err := h.guard(ctx, func(ctx context.Context) error {
		var err error
		if conv, err = h.dir.Conversation(ctx, conversationID); err != nil {
			return err
		}
		role, err = h.dir.RoleOf(ctx, userID, conversationID)
		return err
	})
	if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		return apperrors.NewPermissionError(userID, conversationID, "not a member")
	}
	if err != nil {
		return err
	}
	if role == models.RoleNone {
		return apperrors.NewPermissionError(userID, conversationID, "not a member")
	}
	if conv.Kind == models.ConversationGroup && conv.RestrictedPosting && !role.CanPostRestricted() {
		return apperrors.NewPermissionError(userID, conversationID, "posting is restricted to admins")
	}
	return nil
}

func (h *Hub) handleReceipt(ctx context.Context, c *connection, f protocol.Frame) (protocol.Frame, error) {
	kind := protocol.ReceiptDelivered
	if f.Type == protocol.TypeAckRead {
		kind = protocol.ReceiptRead
	}
	ctx, span := tracing.StartSpan(ctx, "relay.receipt",
		tracing.AttrUserID.String(c.userID),
		tracing.AttrMessageID.String(f.MessageID),
		tracing.AttrFrameType.String(string(f.Type)),
	)
	defer span.End()

	if f.MessageID == "" {
		return protocol.Frame{}, apperrors.NewValidationError("message_id", "must not be empty")
	}

	var result store.ReceiptResult
	err := h.guard(ctx, func(ctx context.Context) error {
		msg, err := h.msgs.GetMessage(ctx, f.MessageID)
		if err != nil {
			return err
		}
		role, err := h.dir.RoleOf(ctx, c.userID, msg.ConversationID)
		if err != nil {
			return err
		}
		if role == models.RoleNone {
			return apperrors.NewPermissionError(c.userID, msg.ConversationID, "not a member")
		}
		result, err = h.msgs.AppendReceipt(ctx, msg.ID, c.userID, kind, time.Now())
		return err
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return protocol.Frame{}, err
	}

	msg := result.Message
	if result.Added {
		h.metrics.IncrementCounter(metrics.RelayReceiptsApplied, map[string]string{"kind": string(kind)}, "Receipts recorded by the relay")
		update := protocol.Frame{
			Type:           protocol.TypeStatusUpdate,
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			UserID:         c.userID,
			Kind:           string(kind),
			Status:         msg.Status.String(),
			Timestamp:      protocol.Now(),
		}
		for _, t := range h.connectionsOf(msg.SenderID) {
			h.deliver(t, update)
		}
	}

	ack := protocol.Ack(f)
	ack.MessageID = msg.ID
	ack.ConversationID = msg.ConversationID
	ack.Status = msg.Status.String()
	return ack, nil
}

func (h *Hub) handleOperation(ctx context.Context, c *connection, f protocol.Frame) (protocol.Frame, error) {
	kind := models.OperationKind(f.Kind)
	h.mu.RLock()
	handler, ok := h.handlers[kind]
	h.mu.RUnlock()
	if !ok {
		return protocol.Frame{}, apperrors.NewValidationError("kind", fmt.Sprintf("unsupported operation %q", f.Kind))
	}

	ctx, span := tracing.StartSpan(ctx, "relay.operation",
		tracing.AttrUserID.String(c.userID),
		tracing.AttrFrameType.String(f.Kind),
	)
	defer span.End()

	var result OperationResult
	err := h.guard(ctx, func(ctx context.Context) error {
		var err error
		result, err = handler(ctx, c.userID, f)
		return err
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return protocol.Frame{}, err
	}
	if result.Resubscribe {
		if err := h.resubscribe(ctx, c.userID); err != nil {
			h.entry(c).WithError(err).Warn("Failed to refresh rooms after operation")
		}
	}

	ack := protocol.Ack(f)
	ack.Kind = f.Kind
	return ack, nil
}

// handleTyping records or clears an indicator and relays it to the room.
// Typing signals are not requests and get no reply.
func (h *Hub) handleTyping(c *connection, f protocol.Frame) {
	key := typingKey{conversationID: f.ConversationID, userID: c.userID}

	h.mu.Lock()
	if _, member := c.rooms[f.ConversationID]; !member {
		h.mu.Unlock()
		return
	}
	_, active := h.typing[key]
	if f.Type == protocol.TypeTypingStart {
		h.typing[key] = time.Now().Add(h.opts.TypingExpiry)
	} else {
		delete(h.typing, key)
	}
	h.mu.Unlock()

	if f.Type == protocol.TypeTypingStop && !active {
		return
	}
	h.broadcastTyping(key, f.Type)
}

func (h *Hub) broadcastTyping(key typingKey, typ protocol.FrameType) {
	h.fanout(key.conversationID, protocol.Frame{
		Type:           typ,
		ConversationID: key.conversationID,
		UserID:         key.userID,
		Timestamp:      protocol.Now(),
	}, func(t *connection) bool { return t.userID == key.userID })
}

// sweepTyping expires indicators that were not refreshed and tells the rooms.
func (h *Hub) sweepTyping(now time.Time) int {
	h.mu.Lock()
	var expired []typingKey
	for key, deadline := range h.typing {
		if !now.Before(deadline) {
			delete(h.typing, key)
			expired = append(expired, key)
		}
	}
	h.mu.Unlock()

	for _, key := range expired {
		h.broadcastTyping(key, protocol.TypeTypingStop)
	}
	return len(expired)
}
