package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/protocol"
	"chatsync/internal/queue"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	connected atomic.Bool

	mu      sync.Mutex
	sent    []protocol.Frame
	respond func(protocol.Frame) (protocol.Frame, error)
}

func (l *fakeLink) Connected() bool { return l.connected.Load() }

func (l *fakeLink) Send(_ context.Context, f protocol.Frame) (protocol.Frame, error) {
	if !l.connected.Load() {
		return protocol.Frame{}, apperrors.NewNotConnectedError()
	}
	l.mu.Lock()
	l.sent = append(l.sent, f)
	respond := l.respond
	l.mu.Unlock()
	if respond != nil {
		return respond(f)
	}
	return protocol.Frame{Type: protocol.TypeAck, MessageID: "m-" + f.CorrelationID, CorrelationID: f.CorrelationID}, nil
}

func (l *fakeLink) frames() []protocol.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Frame(nil), l.sent...)
}

type recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setup(t *testing.T, maxAttempts int) (*Orchestrator, *queue.Store, *fakeLink, *recorder) {
	t.Helper()
	store, err := queue.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	link := &fakeLink{}
	o := New(store, link, Options{
		MaxAttempts: maxAttempts,
		Logger:      quietLogger(),
		Metrics:     metrics.NewRegistry(),
	})
	rec := &recorder{}
	o.OnNotification(rec.add)
	return o, store, link, rec
}

func msg(conv, content string) models.MessagePayload {
	return models.MessagePayload{ConversationID: conv, Content: content}
}

func TestEnqueueOfflineThenDrain(t *testing.T) {
	ctx := context.Background()
	o, store, link, rec := setup(t, 5)

	item, err := o.Enqueue(ctx, models.KindMessageSend, "conv-x", msg("conv-x", "hello"))
	require.NoError(t, err)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Offline drain leaves the item untouched.
	require.NoError(t, o.Drain(ctx))
	stored, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Attempts)
	assert.Empty(t, link.frames())

	link.connected.Store(true)
	require.NoError(t, o.Drain(ctx))

	frames := link.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeSendMessage, frames[0].Type)
	assert.Equal(t, item.ID, frames[0].CorrelationID)
	assert.Equal(t, "hello", frames[0].Content)

	n, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, Synced, got[0].Kind)
	assert.Equal(t, item.ID, got[0].CorrelationID)
	assert.Equal(t, "m-"+item.ID, got[0].MessageID)

	id, ok := o.MessageID(item.ID)
	assert.True(t, ok)
	assert.Equal(t, "m-"+item.ID, id)
	o.Forget(item.ID)
	_, ok = o.MessageID(item.ID)
	assert.False(t, ok)
}

func TestDrainPreservesPerTargetOrder(t *testing.T) {
	ctx := context.Background()
	o, _, link, _ := setup(t, 5)

	var want []string
	for i := 0; i < 40; i++ {
		conv := fmt.Sprintf("conv-%d", i%3)
		item, err := o.Enqueue(ctx, models.KindMessageSend, conv, msg(conv, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		want = append(want, item.ID)
	}

	link.connected.Store(true)
	require.NoError(t, o.Drain(ctx))

	var got []string
	for _, f := range link.frames() {
		got = append(got, f.CorrelationID)
	}
	assert.Equal(t, want, got)
}

func TestPermissionErrorFailsItemWithoutRetry(t *testing.T) {
	ctx := context.Background()
	o, store, link, rec := setup(t, 5)
	link.connected.Store(true)
	link.respond = func(f protocol.Frame) (protocol.Frame, error) {
		return protocol.Frame{}, apperrors.NewPermissionError("alice", f.ConversationID, "not a member")
	}

	item, err := o.Enqueue(ctx, models.KindMessageSend, "conv-x", msg("conv-x", "hi"))
	require.NoError(t, err)
	require.NoError(t, o.Drain(ctx))

	assert.Len(t, link.frames(), 1)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, SyncFailed, got[0].Kind)
	assert.Equal(t, item.ID, got[0].CorrelationID)
	assert.True(t, apperrors.HasCode(got[0].Err, apperrors.ErrCodeAuthorization))
}

func TestRetryableErrorBlocksTargetUntilExhausted(t *testing.T) {
	ctx := context.Background()
	o, store, link, rec := setup(t, 3)
	link.connected.Store(true)
	link.respond = func(f protocol.Frame) (protocol.Frame, error) {
		if f.ConversationID == "busy" {
			return protocol.Frame{}, apperrors.WrapRetryable(io.ErrUnexpectedEOF, apperrors.ErrCodeInternalError, "storage unavailable")
		}
		return protocol.Frame{Type: protocol.TypeAck, MessageID: "ok"}, nil
	}

	first, err := o.Enqueue(ctx, models.KindMessageSend, "busy", msg("busy", "1"))
	require.NoError(t, err)
	second, err := o.Enqueue(ctx, models.KindMessageSend, "busy", msg("busy", "2"))
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, models.KindMessageSend, "free", msg("free", "3"))
	require.NoError(t, err)

	require.NoError(t, o.Drain(ctx))

	// The second "busy" item must not overtake the first.
	frames := link.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, first.ID, frames[0].CorrelationID)
	assert.Equal(t, "free", frames[1].ConversationID)

	stored, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)

	require.NoError(t, o.Drain(ctx))
	require.NoError(t, o.Drain(ctx))

	_, err = store.Get(ctx, first.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	var failed []Notification
	for _, n := range rec.all() {
		if n.Kind == SyncFailed {
			failed = append(failed, n)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, first.ID, failed[0].CorrelationID)
	assert.True(t, apperrors.HasCode(failed[0].Err, apperrors.ErrCodeRetryExhausted))

	// Once the first is gone the second gets its turn.
	stored, err = store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Attempts)
}

func TestItemsAtLimitAreNotRetried(t *testing.T) {
	ctx := context.Background()
	o, store, link, rec := setup(t, 2)

	for i := 0; i < 4; i++ {
		_, err := o.Enqueue(ctx, models.KindMessageSend, "conv", msg("conv", fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}
	items, err := store.List(ctx)
	require.NoError(t, err)
	spent := items[1]
	for i := 0; i < 2; i++ {
		_, err := store.IncrementAttempts(ctx, spent.ID)
		require.NoError(t, err)
	}

	link.connected.Store(true)
	require.NoError(t, o.Drain(ctx))

	for _, f := range link.frames() {
		assert.NotEqual(t, spent.ID, f.CorrelationID)
	}
	assert.Len(t, link.frames(), 3)

	var failed int
	for _, n := range rec.all() {
		if n.Kind == SyncFailed {
			failed++
			assert.Equal(t, spent.ID, n.CorrelationID)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestLinkDropDuringDrainKeepsRemainingItems(t *testing.T) {
	ctx := context.Background()
	o, store, link, _ := setup(t, 5)
	link.connected.Store(true)

	var calls atomic.Int32
	link.respond = func(f protocol.Frame) (protocol.Frame, error) {
		if calls.Add(1) == 2 {
			link.connected.Store(false)
			return protocol.Frame{}, apperrors.NewTransportError("send", io.ErrClosedPipe)
		}
		return protocol.Frame{Type: protocol.TypeAck, MessageID: "m"}, nil
	}

	for i := 0; i < 4; i++ {
		_, err := o.Enqueue(ctx, models.KindMessageSend, "conv", msg("conv", fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, o.Drain(ctx))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDispatchKinds(t *testing.T) {
	ctx := context.Background()
	o, _, link, rec := setup(t, 5)
	link.connected.Store(true)

	_, err := o.Enqueue(ctx, models.KindReceipt, "conv", models.ReceiptPayload{MessageID: "m1", Kind: "read"})
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, models.KindProfileUpdate, "alice", models.ProfilePayload{DisplayName: "Alice"})
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, models.KindMembershipAction, "conv", models.MembershipPayload{Action: models.MembershipJoin, ConversationID: "conv"})
	require.NoError(t, err)
	_, err = o.Enqueue(ctx, models.KindMediaSend, "conv", models.MessagePayload{ConversationID: "conv"})
	require.NoError(t, err)

	require.NoError(t, o.Drain(ctx))

	frames := link.frames()
	require.Len(t, frames, 3)
	assert.Equal(t, protocol.TypeAckRead, frames[0].Type)
	assert.Equal(t, "m1", frames[0].MessageID)

	assert.Equal(t, protocol.TypeOperation, frames[1].Type)
	assert.Equal(t, string(models.KindProfileUpdate), frames[1].Kind)
	var profile models.ProfilePayload
	require.NoError(t, json.Unmarshal(frames[1].Payload, &profile))
	assert.Equal(t, "Alice", profile.DisplayName)

	assert.Equal(t, protocol.TypeOperation, frames[2].Type)
	assert.Equal(t, "conv", frames[2].ConversationID)

	// The media send without a reference never leaves the device.
	got := rec.all()
	require.Len(t, got, 4)
	assert.Equal(t, SyncFailed, got[3].Kind)
	assert.Equal(t, models.KindMediaSend, got[3].Operation)
	assert.True(t, apperrors.HasCode(got[3].Err, apperrors.ErrCodeValidationFailed))
}

func TestConcurrentDrainsDoNotDuplicateSends(t *testing.T) {
	ctx := context.Background()
	o, _, link, _ := setup(t, 5)

	release := make(chan struct{})
	var once sync.Once
	link.respond = func(f protocol.Frame) (protocol.Frame, error) {
		<-release
		return protocol.Frame{Type: protocol.TypeAck, MessageID: "m-" + f.CorrelationID}, nil
	}

	for i := 0; i < 5; i++ {
		_, err := o.Enqueue(ctx, models.KindMessageSend, "conv", msg("conv", fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}
	link.connected.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, o.Drain(ctx))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	once.Do(func() { close(release) })
	wg.Wait()

	seen := make(map[string]int)
	for _, f := range link.frames() {
		seen[f.CorrelationID]++
	}
	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestEnqueueTriggersDrainWhenConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o, store, link, _ := setup(t, 5)
	o.Start(ctx)
	defer o.Close()

	link.connected.Store(true)
	_, err := o.Enqueue(ctx, models.KindMessageSend, "conv", msg("conv", "hi"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, link.frames(), 1)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	o, _, _, _ := setup(t, 5)

	_, err := o.Enqueue(ctx, models.OperationKind("teleport"), "conv", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationFailed))

	_, err = o.Enqueue(ctx, models.KindMessageSend, "", msg("conv", "hi"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationFailed))
}

func TestRegisterNewKind(t *testing.T) {
	ctx := context.Background()
	o, _, link, rec := setup(t, 5)
	link.connected.Store(true)

	pin := models.OperationKind("pin-message")
	o.Register(pin, func(item *models.QueueItem) (protocol.Frame, error) {
		return protocol.Frame{Type: protocol.TypeOperation, CorrelationID: item.ID, Kind: string(item.Kind), Payload: item.Payload}, nil
	})

	item, err := o.Enqueue(ctx, pin, "conv", map[string]string{"message_id": "m1"})
	require.NoError(t, err)
	require.NoError(t, o.Drain(ctx))

	frames := link.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "pin-message", frames[0].Kind)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, item.ID, rec.all()[0].CorrelationID)
}

func TestLinkFailuresDoNotSpendAttempts(t *testing.T) {
	ctx := context.Background()
	o, store, link, rec := setup(t, 5)
	link.connected.Store(true)
	link.respond = func(f protocol.Frame) (protocol.Frame, error) {
		return protocol.Frame{}, apperrors.NewTransportError("send", io.ErrClosedPipe)
	}

	item, err := o.Enqueue(ctx, models.KindMessageSend, "conv", msg("conv", "hi"))
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		require.NoError(t, o.Drain(ctx))
	}

	stored, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Attempts)
	assert.Empty(t, rec.all())

	// The link recovers and the item goes through.
	link.mu.Lock()
	link.respond = nil
	link.mu.Unlock()
	require.NoError(t, o.Drain(ctx))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, Synced, rec.all()[0].Kind)
}

func TestTimeoutsStillSpendAttempts(t *testing.T) {
	ctx := context.Background()
	o, store, link, rec := setup(t, 2)
	link.connected.Store(true)
	link.respond = func(f protocol.Frame) (protocol.Frame, error) {
		return protocol.Frame{}, apperrors.NewTimeoutError("send_message", "15s")
	}

	item, err := o.Enqueue(ctx, models.KindMessageSend, "conv", msg("conv", "hi"))
	require.NoError(t, err)
	require.NoError(t, o.Drain(ctx))
	require.NoError(t, o.Drain(ctx))

	_, err = store.Get(ctx, item.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	require.Len(t, rec.all(), 1)
	assert.True(t, apperrors.HasCode(rec.all()[0].Err, apperrors.ErrCodeRetryExhausted))
}

func TestCloseWhileDrainsAreTriggered(t *testing.T) {
	ctx := context.Background()
	o, _, link, _ := setup(t, 5)
	link.connected.Store(true)
	o.Start(ctx)

	_, err := o.Enqueue(ctx, models.KindMessageSend, "conv", msg("conv", "hi"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				o.TriggerDrain()
			}
		}()
	}
	o.Close()
	wg.Wait()

	// Triggers after Close are ignored.
	o.TriggerDrain()
	o.Close()
}
