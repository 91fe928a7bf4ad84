// Package store is the relay's SQLite-backed collaborator layer: message
// storage, conversation membership and profiles.
package store

import (
	"context"
	"database/sql"

	"chatsync/internal/database"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/migrations"
)

// Store owns the relay database. Writes that touch shared state run in a
// transaction on the single connection, so concurrent receipts for one
// message are applied one after another.
type Store struct {
	db *sql.DB
}

// Open opens the relay database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := database.Open(ctx, path, migrations.Relay)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn in a transaction, retrying the whole transaction when SQLite
// reports a transient lock.
func (s *Store) inTx(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	err := database.WithRetry(ctx, name, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.NewDatabaseError(name, err)
}
