// Package chatclient is the client side of chatsync in one value: the
// connection manager, the durable operation queue and its orchestrator, the
// delivery ledger and inbound event handling.
package chatclient

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/client"
	"chatsync/internal/delivery"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/protocol"
	"chatsync/internal/queue"
	"chatsync/internal/syncer"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

const defaultSeenMessages = 4096

// Options configure a Client.
type Options struct {
	// UserID is the local identity. When empty it is learned at the first
	// handshake.
	UserID      string
	QueuePath   string
	QueueSecret string

	Connection client.Options
	Sync       syncer.Options

	// ProbeInterval enables the TCP reachability monitor for the relay host.
	ProbeInterval time.Duration
	// SeenMessages bounds the delivered-message dedup set.
	SeenMessages int

	Logger  *logrus.Logger
	Metrics *metrics.Registry
}

// Handlers receive client events. Every field is optional. Handlers for
// inbound frames run in arrival order on one goroutine.
type Handlers struct {
	OnState    func(from, to client.State)
	OnMessage  func(protocol.Frame)
	OnStatus   func(messageID string, status delivery.Status)
	OnSync     func(syncer.Notification)
	OnPresence func(userID string, online bool)
	OnTyping   func(conversationID, userID string, typing bool)
}

// Client is a chat client bound to one local queue.
type Client struct {
	conn   *client.Manager
	queue  *queue.Store
	sync   *syncer.Orchestrator
	ledger *delivery.Ledger
	probe  *client.ProbeMonitor
	seen   *lru.Cache

	handlers Handlers
	logger   *logrus.Logger

	// held across enqueue+track so a fast ack cannot beat the ledger entry
	sendMu sync.Mutex

	mu     sync.RWMutex
	userID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the local queue and wires the components together. Nothing runs
// until Start.
func New(ctx context.Context, opts Options, handlers Handlers) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.GetRegistry()
	}
	if opts.SeenMessages <= 0 {
		opts.SeenMessages = defaultSeenMessages
	}
	opts.Connection.Logger = opts.Logger
	opts.Connection.Metrics = opts.Metrics
	opts.Sync.Logger = opts.Logger
	opts.Sync.Metrics = opts.Metrics

	q, err := queue.Open(ctx, opts.QueuePath, opts.QueueSecret)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New(opts.SeenMessages)
	if err != nil {
		_ = q.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "invalid dedup size")
	}

	c := &Client{
		queue:    q,
		ledger:   delivery.NewLedger(),
		seen:     seen,
		handlers: handlers,
		logger:   opts.Logger,
		userID:   opts.UserID,
	}
	c.conn = client.NewManager(opts.Connection)
	c.sync = syncer.New(q, c.conn, opts.Sync)

	if opts.ProbeInterval > 0 {
		c.probe, err = client.NewProbeMonitor(opts.Connection.URL, opts.ProbeInterval, opts.Logger)
		if err != nil {
			_ = q.Close()
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "invalid relay URL")
		}
	}

	c.conn.OnStateChange(c.onState)
	c.conn.OnFrame(c.onFrame)
	c.sync.OnNotification(c.onSync)
	return c, nil
}

// Start runs the client until ctx is done or Close is called. Items left in
// the queue by an earlier run are sent once the link comes up.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.sync.Start(ctx)
	c.conn.Start(ctx)
	if c.probe != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.probe.Run(ctx, c.conn)
		}()
	}
}

// Close stops every component and closes the queue. Queued operations stay
// on disk.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.conn.Close()
	c.sync.Close()
	return c.queue.Close()
}

// Connect brings the link up with token; an empty token reuses the last one.
func (c *Client) Connect(token string) { c.conn.Connect(token) }

// Disconnect drops the link until the next Connect.
func (c *Client) Disconnect() { c.conn.Disconnect() }

// SetNetworkAvailable forwards a platform reachability signal.
func (c *Client) SetNetworkAvailable(online bool) { c.conn.SetNetworkAvailable(online) }

// State returns the link state.
func (c *Client) State() client.State { return c.conn.State() }

// LastError returns the cause of the last Failed state.
func (c *Client) LastError() error { return c.conn.LastError() }

// RTT returns the rolling heartbeat round-trip time.
func (c *Client) RTT() time.Duration { return c.conn.RTT() }

// QueueDepth returns how many operations wait to be sent.
func (c *Client) QueueDepth(ctx context.Context) (int, error) { return c.queue.Count(ctx) }

// UserID returns the local identity, if known.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SendMessage queues a text message and returns its correlation id. The
// message is tracked as Sending until the relay confirms it.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (string, error) {
	return c.send(ctx, models.KindMessageSend, models.MessagePayload{ConversationID: conversationID, Content: content})
}

// SendMedia queues a message that references uploaded media.
func (c *Client) SendMedia(ctx context.Context, conversationID, mediaRef, caption string) (string, error) {
	return c.send(ctx, models.KindMediaSend, models.MessagePayload{ConversationID: conversationID, Content: caption, MediaRef: mediaRef})
}

func (c *Client) send(ctx context.Context, kind models.OperationKind, p models.MessagePayload) (string, error) {
	if p.ConversationID == "" {
		return "", apperrors.NewValidationError("conversation_id", "must not be empty")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	item, err := c.sync.Enqueue(ctx, kind, p.ConversationID, p)
	if err != nil {
		return "", err
	}
	c.ledger.Track(item.ID, c.UserID())
	return item.ID, nil
}

// MarkRead queues a read receipt for messageID.
func (c *Client) MarkRead(ctx context.Context, conversationID, messageID string) error {
	return c.receipt(ctx, conversationID, messageID, protocol.ReceiptRead)
}

func (c *Client) receipt(ctx context.Context, conversationID, messageID string, kind protocol.ReceiptKind) error {
	_, err := c.sync.Enqueue(ctx, models.KindReceipt, conversationID, models.ReceiptPayload{
		MessageID: messageID,
		Kind:      string(kind),
	})
	return err
}

// UpdateProfile queues a profile change. Empty fields are left unchanged.
func (c *Client) UpdateProfile(ctx context.Context, p models.ProfilePayload) (string, error) {
	item, err := c.sync.Enqueue(ctx, models.KindProfileUpdate, "profile", p)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// Join queues joining a group conversation.
func (c *Client) Join(ctx context.Context, conversationID string) (string, error) {
	return c.membership(ctx, models.MembershipJoin, conversationID)
}

// Leave queues leaving a conversation.
func (c *Client) Leave(ctx context.Context, conversationID string) (string, error) {
	return c.membership(ctx, models.MembershipLeave, conversationID)
}

func (c *Client) membership(ctx context.Context, action models.MembershipAction, conversationID string) (string, error) {
	item, err := c.sync.Enqueue(ctx, models.KindMembershipAction, conversationID, models.MembershipPayload{
		Action:         action,
		ConversationID: conversationID,
	})
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// Typing signals typing activity. Typing is ephemeral: it is never queued
// and fails with NOT_CONNECTED while offline.
func (c *Client) Typing(ctx context.Context, conversationID string, typing bool) error {
	typ := protocol.TypeTypingStop
	if typing {
		typ = protocol.TypeTypingStart
	}
	return c.conn.Notify(ctx, protocol.Frame{Type: typ, ConversationID: conversationID})
}

// Status returns the delivery state of a message by message id.
func (c *Client) Status(messageID string) (delivery.View, bool) {
	return c.ledger.Get(messageID)
}

// PendingStatus returns the status of a message the relay has not confirmed.
func (c *Client) PendingStatus(correlationID string) (delivery.Status, bool) {
	return c.ledger.PendingStatus(correlationID)
}

// Register adds a dispatcher for a custom operation kind.
func (c *Client) Register(kind models.OperationKind, d syncer.Dispatcher) {
	c.sync.Register(kind, d)
}

// Enqueue queues an operation of any registered kind.
func (c *Client) Enqueue(ctx context.Context, kind models.OperationKind, target string, payload any) (string, error) {
	item, err := c.sync.Enqueue(ctx, kind, target, payload)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

func (c *Client) onState(from, to client.State) {
	if to == client.StateConnected {
		if id := c.conn.UserID(); id != "" {
			c.mu.Lock()
			c.userID = id
			c.mu.Unlock()
		}
		c.sync.TriggerDrain()
	}
	if c.handlers.OnState != nil {
		c.handlers.OnState(from, to)
	}
}

func (c *Client) onFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeMessageDelivered:
		c.onMessage(f)
	case protocol.TypeStatusUpdate:
		c.onStatusUpdate(f)
	case protocol.TypePresenceOnline, protocol.TypePresenceOffline:
		if c.handlers.OnPresence != nil {
			c.handlers.OnPresence(f.UserID, f.Type == protocol.TypePresenceOnline)
		}
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		if c.handlers.OnTyping != nil {
			c.handlers.OnTyping(f.ConversationID, f.UserID, f.Type == protocol.TypeTypingStart)
		}
	default:
		c.logger.WithField("type", f.Type).Debug("Ignoring relay event")
	}
}

// onMessage drops repeats of a message this device already saw, then
// acknowledges delivery of messages from other users through the queue so
// the receipt survives a disconnect.
func (c *Client) onMessage(f protocol.Frame) {
	if f.MessageID == "" {
		return
	}
	if seen, _ := c.seen.ContainsOrAdd(f.MessageID, struct{}{}); seen {
		c.logger.WithField("message_id", f.MessageID).Debug("Dropping repeated message")
		return
	}

	if f.SenderID != c.UserID() {
		ctx := context.Background()
		if err := c.receipt(ctx, f.ConversationID, f.MessageID, protocol.ReceiptDelivered); err != nil {
			c.logger.WithError(err).WithField("message_id", f.MessageID).Error("Failed to queue delivery receipt")
		}
	}
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(f)
	}
}

func (c *Client) onStatusUpdate(f protocol.Frame) {
	kind := protocol.ReceiptKind(f.Kind)
	if !kind.Valid() || f.MessageID == "" {
		return
	}
	status, changed, err := c.ledger.Apply(f.MessageID, c.UserID(), f.UserID, kind, f.Time())
	if err != nil {
		c.logger.WithError(err).WithField("message_id", f.MessageID).Warn("Rejected status update")
		return
	}
	if changed && c.handlers.OnStatus != nil {
		c.handlers.OnStatus(f.MessageID, status)
	}
}

func (c *Client) onSync(n syncer.Notification) {
	switch n.Operation {
	case models.KindMessageSend, models.KindMediaSend:
		c.sendMu.Lock()
		if n.Kind == syncer.Synced {
			status, err := c.ledger.Confirm(n.CorrelationID, n.MessageID)
			if err != nil {
				// queued by an earlier run of the process
				c.logger.WithError(err).Debug("Confirmation for untracked message")
				status = delivery.StatusSent
			}
			c.sendMu.Unlock()
			c.sync.Forget(n.CorrelationID)
			if c.handlers.OnStatus != nil {
				c.handlers.OnStatus(n.MessageID, status)
			}
		} else {
			_ = c.ledger.Fail(n.CorrelationID)
			c.sendMu.Unlock()
		}
	}
	if c.handlers.OnSync != nil {
		c.handlers.OnSync(n)
	}
}
