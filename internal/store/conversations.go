package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatsync/internal/database"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
)

// CreateConversation registers a conversation. Creating an existing id is a
// no-op.
func (s *Store) CreateConversation(ctx context.Context, c models.Conversation) error {
	if c.ID == "" {
		return apperrors.NewValidationError("id", "conversation id must not be empty")
	}
	if c.Kind == "" {
		c.Kind = models.ConversationGroup
	}
	return s.inTx(ctx, "create conversation", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversations (id, kind, restricted_posting, created_at) VALUES (?, ?, ?, ?)`,
			c.ID, string(c.Kind), c.RestrictedPosting, time.Now().UnixMilli())
		return err
	})
}

// Conversation returns the conversation with id.
func (s *Store) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	var (
		c    models.Conversation
		kind string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, restricted_posting FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &kind, &c.RestrictedPosting)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("conversation", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get conversation", err)
	}
	c.Kind = models.ConversationKind(kind)
	return &c, nil
}

// AddMember adds userID to the conversation or updates their role.
func (s *Store) AddMember(ctx context.Context, conversationID, userID string, role models.Role) error {
	if role == models.RoleNone {
		role = models.RoleMember
	}
	return s.inTx(ctx, "add member", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO members (conversation_id, user_id, role, joined_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (conversation_id, user_id) DO UPDATE SET role = excluded.role`,
			conversationID, userID, string(role), time.Now().UnixMilli())
		if err != nil && database.IsConstraint(err) {
			return apperrors.NewNotFoundError("conversation", conversationID)
		}
		return err
	})
}

// RemoveMember removes userID from the conversation. It reports whether the
// user was a member.
func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var removed bool
	err := s.inTx(ctx, "remove member", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM members WHERE conversation_id = ? AND user_id = ?`, conversationID, userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

// MembersOf returns the conversation's members ordered by user id.
func (s *Store) MembersOf(ctx context.Context, conversationID string) ([]string, error) {
	return s.strings(ctx, "members of",
		`SELECT user_id FROM members WHERE conversation_id = ? ORDER BY user_id`, conversationID)
}

// RoleOf returns the user's role, or RoleNone when they are not a member.
func (s *Store) RoleOf(ctx context.Context, userID, conversationID string) (models.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM members WHERE conversation_id = ? AND user_id = ?`, conversationID, userID).
		Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RoleNone, nil
	}
	if err != nil {
		return models.RoleNone, apperrors.NewDatabaseError("role of", err)
	}
	return models.Role(role), nil
}

// ConversationsOf returns the ids of every conversation the user belongs to.
func (s *Store) ConversationsOf(ctx context.Context, userID string) ([]string, error) {
	return s.strings(ctx, "conversations of",
		`SELECT conversation_id FROM members WHERE user_id = ? ORDER BY conversation_id`, userID)
}

// ContactsOf returns every other user who shares a conversation with userID.
func (s *Store) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	return s.strings(ctx, "contacts of", `SELECT DISTINCT other.user_id
		FROM members self
		JOIN members other ON other.conversation_id = self.conversation_id
		WHERE self.user_id = ? AND other.user_id != self.user_id
		ORDER BY other.user_id`, userID)
}

func (s *Store) strings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, apperrors.NewDatabaseError(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError(op, err)
	}
	return out, nil
}
