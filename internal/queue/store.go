// Package queue is the durable, client-local store of operations the relay
// has not yet acknowledged.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"chatsync/internal/database"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/migrations"
	"chatsync/internal/models"

	"github.com/google/uuid"
)

// Store persists QueueItems in SQLite. Items are read back in enqueue order.
type Store struct {
	db        *sql.DB
	encryptor *database.Encryptor
}

// Open opens the queue file at path. A non-empty secret enables payload
// encryption at rest.
func Open(ctx context.Context, path, secret string) (*Store, error) {
	encryptor, err := database.NewEncryptor(secret)
	if err != nil {
		return nil, apperrors.NewConfigError("queue_secret", err.Error())
	}
	db, err := database.Open(ctx, path, migrations.Queue)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, encryptor: encryptor}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewItem builds an unsaved item with a fresh correlation id.
func NewItem(kind models.OperationKind, target string, payload any, maxAttempts int, credentialRef string) (*models.QueueItem, error) {
	if kind == "" {
		return nil, apperrors.NewValidationError("kind", "must not be empty")
	}
	if target == "" {
		return nil, apperrors.NewValidationError("target", "must not be empty")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewValidationError("payload", err.Error())
	}
	return &models.QueueItem{
		ID:            uuid.NewString(),
		Kind:          kind,
		Target:        target,
		Payload:       raw,
		EnqueuedAt:    time.Now().UTC(),
		MaxAttempts:   maxAttempts,
		CredentialRef: credentialRef,
	}, nil
}

// Put persists item and sets its Seq. It returns once the row is committed.
func (s *Store) Put(ctx context.Context, item *models.QueueItem) error {
	payload, err := s.encryptor.Seal(item.Payload)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to encrypt payload")
	}

	err = database.WithRetry(ctx, "queue put", func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO queue_items
			(correlation_id, kind, target, payload, enqueued_at, attempts, max_attempts, credential_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, string(item.Kind), item.Target, payload, item.EnqueuedAt.UnixMilli(),
			item.Attempts, item.MaxAttempts, item.CredentialRef)
		if err != nil {
			if database.IsConstraint(err) {
				return apperrors.NewValidationError("id", "duplicate correlation id")
			}
			return err
		}
		item.Seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return err
		}
		return apperrors.NewDatabaseError("queue put", err)
	}
	return nil
}

// List returns every item ordered by enqueue sequence.
func (s *Store) List(ctx context.Context) ([]*models.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, correlation_id, kind, target, payload, enqueued_at,
		attempts, max_attempts, credential_ref FROM queue_items ORDER BY seq`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("queue list", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("queue list", err)
	}
	return items, nil
}

// Get returns the item with correlation id id.
func (s *Store) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT seq, correlation_id, kind, target, payload, enqueued_at,
		attempts, max_attempts, credential_ref FROM queue_items WHERE correlation_id = ?`, id)
	item, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("queue item", id)
	}
	return item, err
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row scanner) (*models.QueueItem, error) {
	var (
		item       models.QueueItem
		kind       string
		payload    []byte
		enqueuedAt int64
	)
	if err := row.Scan(&item.Seq, &item.ID, &kind, &item.Target, &payload, &enqueuedAt,
		&item.Attempts, &item.MaxAttempts, &item.CredentialRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, apperrors.NewDatabaseError("queue scan", err)
	}
	plain, err := s.encryptor.Open(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to decrypt payload").
			WithContext("correlation_id", item.ID)
	}
	item.Kind = models.OperationKind(kind)
	item.Payload = plain
	item.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	return &item, nil
}

// IncrementAttempts records one more failed transmission and returns the new
// count.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := database.WithRetry(ctx, "queue increment", func() error {
		return s.db.QueryRowContext(ctx,
			`UPDATE queue_items SET attempts = attempts + 1 WHERE correlation_id = ? RETURNING attempts`, id).
			Scan(&attempts)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperrors.NewNotFoundError("queue item", id)
	}
	if err != nil {
		return 0, apperrors.NewDatabaseError("queue increment", err)
	}
	return attempts, nil
}

// Delete removes an item. Deleting a missing item is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := database.WithRetry(ctx, "queue delete", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE correlation_id = ?`, id)
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError("queue delete", err)
	}
	return nil
}

// Count returns the number of pending items.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		return 0, apperrors.NewDatabaseError("queue count", err)
	}
	return n, nil
}
