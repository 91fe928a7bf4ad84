package syncer

import (
	"encoding/json"
	"fmt"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/protocol"
)

// Dispatcher turns a queued item into the request frame that carries it to
// the relay. Returning an error fails the item without sending it.
type Dispatcher func(item *models.QueueItem) (protocol.Frame, error)

// DefaultDispatchers maps every built-in operation kind to its frame.
func DefaultDispatchers() map[models.OperationKind]Dispatcher {
	return map[models.OperationKind]Dispatcher{
		models.KindMessageSend:      dispatchMessage,
		models.KindMediaSend:        dispatchMessage,
		models.KindReceipt:          dispatchReceipt,
		models.KindProfileUpdate:    dispatchOperation,
		models.KindMembershipAction: dispatchOperation,
	}
}

func decode(item *models.QueueItem, v any) error {
	if err := json.Unmarshal(item.Payload, v); err != nil {
		return apperrors.NewValidationError("payload", fmt.Sprintf("cannot decode %s payload: %v", item.Kind, err))
	}
	return nil
}

func dispatchMessage(item *models.QueueItem) (protocol.Frame, error) {
	var p models.MessagePayload
	if err := decode(item, &p); err != nil {
		return protocol.Frame{}, err
	}
	if p.ConversationID == "" {
		return protocol.Frame{}, apperrors.NewValidationError("conversation_id", "must not be empty")
	}
	if item.Kind == models.KindMediaSend && p.MediaRef == "" {
		return protocol.Frame{}, apperrors.NewValidationError("media_ref", "media sends need a media reference")
	}
	if p.Content == "" && p.MediaRef == "" {
		return protocol.Frame{}, apperrors.NewValidationError("content", "message is empty")
	}
	return protocol.Frame{
		Type:           protocol.TypeSendMessage,
		CorrelationID:  item.ID,
		ConversationID: p.ConversationID,
		Content:        p.Content,
		MediaRef:       p.MediaRef,
	}, nil
}

func dispatchReceipt(item *models.QueueItem) (protocol.Frame, error) {
	var p models.ReceiptPayload
	if err := decode(item, &p); err != nil {
		return protocol.Frame{}, err
	}
	if p.MessageID == "" {
		return protocol.Frame{}, apperrors.NewValidationError("message_id", "must not be empty")
	}

	f := protocol.Frame{
		CorrelationID:  item.ID,
		MessageID:      p.MessageID,
		ConversationID: item.Target,
	}
	switch protocol.ReceiptKind(p.Kind) {
	case protocol.ReceiptDelivered:
		f.Type = protocol.TypeAckDelivered
	case protocol.ReceiptRead:
		f.Type = protocol.TypeAckRead
	default:
		return protocol.Frame{}, apperrors.NewValidationError("kind", fmt.Sprintf("unknown receipt kind %q", p.Kind))
	}
	return f, nil
}

// dispatchOperation forwards the payload untouched; the relay routes it to a
// collaborator by Kind.
func dispatchOperation(item *models.QueueItem) (protocol.Frame, error) {
	if !json.Valid(item.Payload) {
		return protocol.Frame{}, apperrors.NewValidationError("payload", "not valid JSON")
	}
	return protocol.Frame{
		Type:           protocol.TypeOperation,
		CorrelationID:  item.ID,
		Kind:           string(item.Kind),
		ConversationID: item.Target,
		Payload:        item.Payload,
	}, nil
}
