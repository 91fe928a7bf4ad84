package delivery

import (
	"math/rand"
	"testing"
	"time"

	"chatsync/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusSending, StatusSent, true},
		{StatusSending, StatusFailed, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusSent, false},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusRead, StatusRead, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("bogus")
	assert.Error(t, err)
}

func TestTracker_TwoPartyLifecycle(t *testing.T) {
	tr := NewTracker("alice")
	assert.Equal(t, StatusSending, tr.Status())

	require.NoError(t, tr.MarkSent("m1"))
	assert.Equal(t, StatusSent, tr.Status())
	assert.Equal(t, "m1", tr.MessageID)

	changed, err := tr.Apply("bob", protocol.ReceiptDelivered, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusDelivered, tr.Status())

	changed, err = tr.Apply("bob", protocol.ReceiptRead, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusRead, tr.Status())
}

func TestTracker_DuplicateReceiptIsNoop(t *testing.T) {
	tr := NewTracker("alice")
	require.NoError(t, tr.MarkSent("m1"))

	changed, err := tr.Apply("bob", protocol.ReceiptDelivered, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = tr.Apply("bob", protocol.ReceiptDelivered, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, tr.DeliveredTo(), 1)
}

func TestTracker_ReadImpliesDelivered(t *testing.T) {
	tr := NewTracker("alice")
	require.NoError(t, tr.MarkSent("m1"))

	_, err := tr.Apply("carol", protocol.ReceiptRead, time.Now())
	require.NoError(t, err)

	assert.Equal(t, StatusRead, tr.Status())
	require.Len(t, tr.DeliveredTo(), 1)
	assert.Equal(t, "carol", tr.DeliveredTo()[0].UserID)
	assert.True(t, tr.HasRead("carol"))
}

func TestTracker_SenderReceiptIgnored(t *testing.T) {
	tr := NewTracker("alice")
	require.NoError(t, tr.MarkSent("m1"))

	changed, err := tr.Apply("alice", protocol.ReceiptRead, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusSent, tr.Status())
}

func TestTracker_FirstReceiptRuleInGroup(t *testing.T) {
	tr := NewTracker("alice")
	require.NoError(t, tr.MarkSent("m1"))
	members := []string{"alice", "bob", "carol", "dave"}

	_, err := tr.Apply("bob", protocol.ReceiptRead, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusRead, tr.Status())
	assert.False(t, tr.AllRead(members))

	_, _ = tr.Apply("carol", protocol.ReceiptRead, time.Now())
	_, _ = tr.Apply("dave", protocol.ReceiptRead, time.Now())
	assert.True(t, tr.AllRead(members))
	assert.Len(t, tr.ReadBy(), 3)
}

func TestTracker_FailedOnlyFromSending(t *testing.T) {
	tr := NewTracker("alice")
	require.NoError(t, tr.MarkFailed())
	assert.Equal(t, StatusFailed, tr.Status())

	_, err := tr.Apply("bob", protocol.ReceiptDelivered, time.Now())
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
	assert.Error(t, tr.MarkSent("m1"))

	sent := NewTracker("alice")
	require.NoError(t, sent.MarkSent("m2"))
	assert.Error(t, sent.MarkFailed())
}

func TestTracker_MonotonicUnderAnyInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	users := []string{"bob", "carol", "dave"}
	kinds := []protocol.ReceiptKind{protocol.ReceiptDelivered, protocol.ReceiptRead}

	for round := 0; round < 200; round++ {
		tr := NewTracker("alice")
		require.NoError(t, tr.MarkSent("m"))
		prev := tr.Status()
		for step := 0; step < 12; step++ {
			_, err := tr.Apply(users[rng.Intn(len(users))], kinds[rng.Intn(len(kinds))], time.Now())
			require.NoError(t, err)
			require.GreaterOrEqual(t, int(tr.Status()), int(prev))
			prev = tr.Status()
		}

		seen := map[string]bool{}
		for _, r := range tr.DeliveredTo() {
			require.False(t, seen[r.UserID], "duplicate delivered entry for %s", r.UserID)
			seen[r.UserID] = true
		}
		for _, r := range tr.ReadBy() {
			require.True(t, seen[r.UserID], "read without delivered for %s", r.UserID)
		}
	}
}
