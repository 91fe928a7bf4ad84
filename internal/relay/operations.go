package relay

import (
	"context"
	"encoding/json"

	"chatsync/internal/protocol"
)

// PayloadHandler adapts a collaborator call that only needs the payload.
func PayloadHandler(fn func(ctx context.Context, userID string, payload json.RawMessage) error) OperationHandler {
	return func(ctx context.Context, userID string, f protocol.Frame) (OperationResult, error) {
		return OperationResult{}, fn(ctx, userID, f.Payload)
	}
}

// MembershipHandler adapts a collaborator call that changes the user's
// conversations; the user's live connections are resubscribed afterwards.
func MembershipHandler(fn func(ctx context.Context, userID string, payload json.RawMessage) (string, error)) OperationHandler {
	return func(ctx context.Context, userID string, f protocol.Frame) (OperationResult, error) {
		if _, err := fn(ctx, userID, f.Payload); err != nil {
			return OperationResult{}, err
		}
		return OperationResult{Resubscribe: true}, nil
	}
}
