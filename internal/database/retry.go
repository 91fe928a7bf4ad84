package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/constants"

	"github.com/mattn/go-sqlite3"
)

// WithRetry runs operation, retrying transient SQLite failures with a short
// linear backoff.
func WithRetry(ctx context.Context, operationName string, operation func() error) error {
	var lastErr error

	maxAttempts := constants.DefaultDatabaseRetryAttempts
	initialBackoff := time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
		}
		if attempt == maxAttempts {
			break
		}

		backoff := time.Duration(attempt) * initialBackoff
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxAttempts, lastErr)
}

// IsRetryable reports whether err is a transient SQLite condition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		default:
			return false
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "disk I/O error")
}

// IsConstraint reports whether err is a UNIQUE or FOREIGN KEY violation.
func IsConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
