package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
)

// Profile is a user's public profile.
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref"`
	StatusText  string    `json:"status_text"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const maxProfileField = 256

// UpsertProfile replaces the non-empty fields of the user's profile.
func (s *Store) UpsertProfile(ctx context.Context, userID string, p models.ProfilePayload) error {
	for field, v := range map[string]string{"display_name": p.DisplayName, "avatar_ref": p.AvatarRef, "status_text": p.StatusText} {
		if len(v) > maxProfileField {
			return apperrors.NewValidationError(field, fmt.Sprintf("longer than %d bytes", maxProfileField))
		}
	}
	return s.inTx(ctx, "upsert profile", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO profiles (user_id, display_name, avatar_ref, status_text, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE display_name END,
				avatar_ref = CASE WHEN excluded.avatar_ref != '' THEN excluded.avatar_ref ELSE avatar_ref END,
				status_text = CASE WHEN excluded.status_text != '' THEN excluded.status_text ELSE status_text END,
				updated_at = excluded.updated_at`,
			userID, p.DisplayName, p.AvatarRef, p.StatusText, time.Now().UnixMilli())
		return err
	})
}

// Profile returns the user's profile.
func (s *Store) Profile(ctx context.Context, userID string) (*Profile, error) {
	var (
		p  Profile
		at int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, avatar_ref, status_text, updated_at FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarRef, &p.StatusText, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("profile", userID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get profile", err)
	}
	p.UpdatedAt = time.UnixMilli(at).UTC()
	return &p, nil
}

// ApplyProfileUpdate handles a profile-update operation from userID.
func (s *Store) ApplyProfileUpdate(ctx context.Context, userID string, payload json.RawMessage) error {
	var p models.ProfilePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return apperrors.NewValidationError("payload", "invalid profile update")
	}
	return s.UpsertProfile(ctx, userID, p)
}

// ApplyMembershipAction handles a membership-action operation from userID and
// returns the conversation it changed. Users may join group conversations
// and leave any conversation they belong to.
func (s *Store) ApplyMembershipAction(ctx context.Context, userID string, payload json.RawMessage) (string, error) {
	var p models.MembershipPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", apperrors.NewValidationError("payload", "invalid membership action")
	}
	if p.ConversationID == "" {
		return "", apperrors.NewValidationError("conversation_id", "must not be empty")
	}

	switch p.Action {
	case models.MembershipJoin:
		conv, err := s.Conversation(ctx, p.ConversationID)
		if err != nil {
			return "", err
		}
		if conv.Kind != models.ConversationGroup {
			return "", apperrors.NewPermissionError(userID, conv.ID, "direct conversations cannot be joined")
		}
		role, err := s.RoleOf(ctx, userID, conv.ID)
		if err != nil {
			return "", err
		}
		if role != models.RoleNone {
			return conv.ID, nil
		}
		return conv.ID, s.AddMember(ctx, conv.ID, userID, models.RoleMember)

	case models.MembershipLeave:
		removed, err := s.RemoveMember(ctx, p.ConversationID, userID)
		if err != nil {
			return "", err
		}
		if !removed {
			return "", apperrors.NewPermissionError(userID, p.ConversationID, "not a member")
		}
		return p.ConversationID, nil

	default:
		return "", apperrors.NewValidationError("action", fmt.Sprintf("unknown membership action %q", p.Action))
	}
}
