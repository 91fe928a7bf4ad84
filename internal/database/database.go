// Package database opens the SQLite files used by the client queue and the
// relay store and provides the retry and encryption helpers both share.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"chatsync/internal/migrations"
	"chatsync/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Open creates or opens the SQLite file at path and brings set's schema up to
// date. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, set migrations.Set) (*sql.DB, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if path != ":memory:" {
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 - Path validated above
		if err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("failed to close database file: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps SQLite from reporting "database is locked" under our
	// own concurrency and makes :memory: a single shared database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, closeOnError(db, fmt.Errorf("failed to ping database: %w", err))
	}

	if _, err := migrations.Apply(ctx, db, set); err != nil {
		return nil, closeOnError(db, fmt.Errorf("failed to initialize schema: %w", err))
	}

	return db, nil
}

func closeOnError(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}
