package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path, secret string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, secret)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func messageItem(t *testing.T, conv, content string) *models.QueueItem {
	t.Helper()
	item, err := NewItem(models.KindMessageSend, conv, models.MessagePayload{ConversationID: conv, Content: content}, 5, "alice")
	require.NoError(t, err)
	return item
}

func TestNewItem_Validation(t *testing.T) {
	_, err := NewItem("", "conv", nil, 5, "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationFailed))

	_, err = NewItem(models.KindMessageSend, "", nil, 5, "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationFailed))

	a := messageItem(t, "conv", "hi")
	b := messageItem(t, "conv", "hi")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Zero(t, a.Attempts)
}

func TestStore_PutListOrder(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "queue.db"), "")
	ctx := context.Background()

	var ids []string
	for _, conv := range []string{"x", "y", "x", "y", "x"} {
		item := messageItem(t, conv, "m")
		require.NoError(t, s.Put(ctx, item))
		assert.NotZero(t, item.Seq)
		ids = append(ids, item.ID)
	}

	items, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 5)
	for i, item := range items {
		assert.Equal(t, ids[i], item.ID)
		if i > 0 {
			assert.Greater(t, item.Seq, items[i-1].Seq)
		}
	}
	assert.Equal(t, models.KindMessageSend, items[0].Kind)
	assert.Equal(t, "alice", items[0].CredentialRef)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestStore_DuplicateCorrelationID(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "queue.db"), "")
	ctx := context.Background()

	item := messageItem(t, "x", "m")
	require.NoError(t, s.Put(ctx, item))

	dup := *item
	err := s.Put(ctx, &dup)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationFailed))
}

func TestStore_AttemptsAndDelete(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "queue.db"), "")
	ctx := context.Background()

	item := messageItem(t, "x", "m")
	require.NoError(t, s.Put(ctx, item))

	n, err := s.IncrementAttempts(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementAttempts(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)

	require.NoError(t, s.Delete(ctx, item.ID))
	require.NoError(t, s.Delete(ctx, item.ID))

	_, err = s.Get(ctx, item.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	_, err = s.IncrementAttempts(ctx, item.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestStore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	first, err := Open(ctx, path, "")
	require.NoError(t, err)
	item := messageItem(t, "x", "offline message")
	require.NoError(t, first.Put(ctx, item))
	_, err = first.IncrementAttempts(ctx, item.ID)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openStore(t, path, "")
	items, err := second.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, 5, items[0].MaxAttempts)
	assert.JSONEq(t, string(item.Payload), string(items[0].Payload))
	assert.Equal(t, item.EnqueuedAt.UnixMilli(), items[0].EnqueuedAt.UnixMilli())
}

func TestStore_EncryptedPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	secret := "0123456789abcdef0123456789abcdef"
	s := openStore(t, path, secret)
	ctx := context.Background()

	item := messageItem(t, "x", "very secret words")
	require.NoError(t, s.Put(ctx, item))

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	var stored []byte
	require.NoError(t, raw.QueryRow("SELECT payload FROM queue_items").Scan(&stored))
	assert.NotContains(t, string(stored), "very secret words")

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(item.Payload), string(got.Payload))

	_, err = Open(ctx, filepath.Join(t.TempDir(), "q.db"), "short")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidConfig))
}
