package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chatsync/internal/delivery"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/protocol"

	"github.com/google/uuid"
)

// NewMessage is what a sender submits.
type NewMessage struct {
	CorrelationID  string
	ConversationID string
	SenderID       string
	Content        string
	MediaRef       string
}

// CreateMessage stores a message and assigns its id and per-conversation
// sequence. A resubmission with the same sender and correlation id returns
// the message created the first time with created set to false.
func (s *Store) CreateMessage(ctx context.Context, m NewMessage) (msg *models.Message, created bool, err error) {
	if m.CorrelationID == "" {
		return nil, false, apperrors.NewValidationError("correlation_id", "must not be empty")
	}

	err = s.inTx(ctx, "create message", func(tx *sql.Tx) error {
		existing, err := scanMessage(tx.QueryRowContext(ctx, selectMessage+
			` WHERE sender_id = ? AND correlation_id = ?`, m.SenderID, m.CorrelationID))
		if err == nil {
			msg, created = existing, false
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `INSERT INTO conversation_seq (conversation_id, last_seq) VALUES (?, 1)
			ON CONFLICT (conversation_id) DO UPDATE SET last_seq = last_seq + 1
			RETURNING last_seq`, m.ConversationID).Scan(&seq); err != nil {
			return err
		}

		now := time.Now().UTC()
		msg = &models.Message{
			ID:             uuid.NewString(),
			CorrelationID:  m.CorrelationID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Content:        m.Content,
			MediaRef:       m.MediaRef,
			Sequence:       seq,
			Status:         delivery.StatusSent,
			CreatedAt:      now,
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO messages
			(id, correlation_id, conversation_id, sender_id, content, media_ref, sequence, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.CorrelationID, msg.ConversationID, msg.SenderID, msg.Content, msg.MediaRef,
			msg.Sequence, int(msg.Status), now.UnixMilli())
		created = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return msg, created, nil
}

// GetMessage returns the message with id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("message", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get message", err)
	}
	return msg, nil
}

// ReceiptResult describes the effect of AppendReceipt.
type ReceiptResult struct {
	Message *models.Message
	// Added is false when the receipt was already recorded.
	Added bool
}

// AppendReceipt records that userID received or read the message. A read
// receipt also records delivery. Duplicates and receipts from the sender are
// no-ops. The aggregate status only ever moves forward.
func (s *Store) AppendReceipt(ctx context.Context, messageID, userID string, kind protocol.ReceiptKind, at time.Time) (ReceiptResult, error) {
	if !kind.Valid() {
		return ReceiptResult{}, apperrors.NewValidationError("kind", "unknown receipt kind")
	}

	var result ReceiptResult
	err := s.inTx(ctx, "append receipt", func(tx *sql.Tx) error {
		msg, err := scanMessage(tx.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, messageID))
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NewNotFoundError("message", messageID)
		}
		if err != nil {
			return err
		}
		result = ReceiptResult{Message: msg}
		if userID == msg.SenderID {
			return nil
		}

		kinds := []protocol.ReceiptKind{kind}
		if kind == protocol.ReceiptRead {
			kinds = []protocol.ReceiptKind{protocol.ReceiptDelivered, protocol.ReceiptRead}
		}
		for _, k := range kinds {
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO receipts (message_id, user_id, kind, at) VALUES (?, ?, ?, ?)`,
				messageID, userID, string(k), at.UnixMilli())
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 && k == kind {
				result.Added = true
			}
		}

		next := delivery.Advance(msg.Status, receiptStatus(kind))
		if next != msg.Status {
			if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, int(next), messageID); err != nil {
				return err
			}
			msg.Status = next
		}
		return nil
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	return result, nil
}

// Receipts returns the per-participant receipt sets of a message.
func (s *Store) Receipts(ctx context.Context, messageID string) (delivered, read []delivery.Receipt, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, kind, at FROM receipts WHERE message_id = ? ORDER BY at, user_id`, messageID)
	if err != nil {
		return nil, nil, apperrors.NewDatabaseError("receipts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r    delivery.Receipt
			kind string
			at   int64
		)
		if err := rows.Scan(&r.UserID, &kind, &at); err != nil {
			return nil, nil, apperrors.NewDatabaseError("receipts", err)
		}
		r.At = time.UnixMilli(at).UTC()
		if protocol.ReceiptKind(kind) == protocol.ReceiptRead {
			read = append(read, r)
		} else {
			delivered = append(delivered, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperrors.NewDatabaseError("receipts", err)
	}
	return delivered, read, nil
}

func receiptStatus(kind protocol.ReceiptKind) delivery.Status {
	if kind == protocol.ReceiptRead {
		return delivery.StatusRead
	}
	return delivery.StatusDelivered
}

const selectMessage = `SELECT id, correlation_id, conversation_id, sender_id, content, media_ref,
	sequence, status, created_at FROM messages`

func scanMessage(row scanner) (*models.Message, error) {
	var (
		m         models.Message
		status    int
		createdAt int64
	)
	if err := row.Scan(&m.ID, &m.CorrelationID, &m.ConversationID, &m.SenderID, &m.Content, &m.MediaRef,
		&m.Sequence, &status, &createdAt); err != nil {
		return nil, err
	}
	m.Status = delivery.Status(status)
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &m, nil
}

type scanner interface {
	Scan(dest ...any) error
}
