// Package relay authenticates client links, subscribes them to one room per
// conversation and fans events out between participants. Durable state lives
// behind the collaborator interfaces; the hub itself only keeps the live
// connection maps and typing indicators.
package relay

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/presence"
	"chatsync/internal/protocol"
	"chatsync/internal/store"
	"chatsync/internal/transport"
	"chatsync/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// Authenticator is the credential service.
type Authenticator interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// Directory is the conversation membership store.
type Directory interface {
	Conversation(ctx context.Context, id string) (*models.Conversation, error)
	RoleOf(ctx context.Context, userID, conversationID string) (models.Role, error)
	ConversationsOf(ctx context.Context, userID string) ([]string, error)
	ContactsOf(ctx context.Context, userID string) ([]string, error)
}

// MessageStore is the message storage collaborator.
type MessageStore interface {
	CreateMessage(ctx context.Context, m store.NewMessage) (*models.Message, bool, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	AppendReceipt(ctx context.Context, messageID, userID string, kind protocol.ReceiptKind, at time.Time) (store.ReceiptResult, error)
}

// OperationHandler serves one kind of operation frame for userID.
type OperationHandler func(ctx context.Context, userID string, f protocol.Frame) (OperationResult, error)

// OperationResult tells the hub what an operation changed.
type OperationResult struct {
	// Resubscribe rebuilds the rooms of the user's live connections, e.g.
	// after joining or leaving a conversation.
	Resubscribe bool
}

// Options configure a Hub. Zero values take defaults. A negative
// PingInterval disables relay pings; PongTimeout bounds the wait for a pong.
type Options struct {
	HandshakeTimeout time.Duration
	TypingExpiry     time.Duration
	SweepInterval    time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	SendBuffer       int
	MaxContentBytes  int
	Accept           transport.AcceptOptions
	Breaker          circuitbreaker.Options
	Logger           *logrus.Logger
	Metrics          *metrics.Registry
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = time.Duration(constants.DefaultHandshakeTimeoutMs) * time.Millisecond
	}
	if o.TypingExpiry <= 0 {
		o.TypingExpiry = time.Duration(constants.DefaultTypingExpiryMs) * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = o.TypingExpiry / 2
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval == 0 {
		o.PingInterval = time.Duration(constants.DefaultRelayPingIntervalMs) * time.Millisecond
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = time.Duration(constants.DefaultRelayPongTimeoutMs) * time.Millisecond
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = constants.DefaultSendBufferSize
	}
	if o.MaxContentBytes <= 0 {
		o.MaxContentBytes = constants.DefaultMaxContentBytes
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.GetRegistry()
	}
}

type typingKey struct {
	conversationID string
	userID         string
}

// Hub is the relay room manager.
type Hub struct {
	auth     Authenticator
	dir      Directory
	msgs     MessageStore
	presence presence.Registry

	opts    Options
	logger  *logrus.Logger
	errLog  *apperrors.Logger
	metrics *metrics.Registry
	breaker *circuitbreaker.CircuitBreaker

	// presence edges for one user are broadcast in the order they happen
	userLocks [64]sync.Mutex

	mu       sync.RWMutex
	handlers map[models.OperationKind]OperationHandler
	conns    map[string]*connection
	users    map[string]map[string]*connection
	rooms    map[string]map[string]*connection
	typing   map[typingKey]time.Time
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub. Call Start to run the typing sweeper.
func New(auth Authenticator, dir Directory, msgs MessageStore, reg presence.Registry, opts Options) *Hub {
	opts.applyDefaults()

	breakerOpts := opts.Breaker
	breakerOpts.Logger = opts.Logger
	if breakerOpts.IsFailure == nil {
		// Rejections caused by the request itself say nothing about storage health.
		breakerOpts.IsFailure = func(err error) bool { return !apperrors.IsTerminal(err) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		auth:     auth,
		dir:      dir,
		msgs:     msgs,
		presence: reg,
		opts:     opts,
		logger:   opts.Logger,
		errLog:   apperrors.NewLogger(opts.Logger),
		metrics:  opts.Metrics,
		breaker:  circuitbreaker.New("relay-store", breakerOpts),
		handlers: make(map[models.OperationKind]OperationHandler),
		conns:    make(map[string]*connection),
		users:    make(map[string]map[string]*connection),
		rooms:    make(map[string]map[string]*connection),
		typing:   make(map[typingKey]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers the handler for an operation kind.
func (h *Hub) Handle(kind models.OperationKind, fn OperationHandler) {
	h.mu.Lock()
	h.handlers[kind] = fn
	h.mu.Unlock()
}

// Start runs the typing sweeper until ctx is done or the hub shuts down.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.ctx.Done():
				return
			case now := <-ticker.C:
				h.sweepTyping(now)
			}
		}
	}()
}

// Shutdown closes every connection with going-away, waits for their handlers
// and clears the presence entries this relay owns. Connections still open
// when ctx expires are dropped.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(transport.StatusGoingAway, "relay shutting down")
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for h.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
		case <-ticker.C:
			continue
		}
		break
	}
	h.cancel()
	h.wg.Wait()

	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return h.presence.Clear(clearCtx)
}

// Revoke closes every live connection of userID with the administrative
// status. It returns how many connections were closed.
func (h *Hub) Revoke(userID string) int {
	conns := h.connectionsOf(userID)
	for _, c := range conns {
		c.closeWith(transport.StatusRevoked, "session revoked")
	}
	if len(conns) > 0 {
		h.logger.WithField("connections", len(conns)).Warn("Session revoked by administrator")
	}
	return len(conns)
}

// ConnectionCount returns the number of authenticated connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// BreakerState reports the storage circuit breaker state for health checks.
func (h *Hub) BreakerState() circuitbreaker.State {
	return h.breaker.GetState()
}

func (h *Hub) connectionsOf(userID string) []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*connection, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) userLock(userID string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(userID))
	return &h.userLocks[f.Sum32()%uint32(len(h.userLocks))]
}

// guard runs a storage call through the circuit breaker. An open breaker
// becomes a retryable internal error so clients keep the operation queued.
func (h *Hub) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	err := h.breaker.Execute(ctx, fn)
	if circuitbreaker.IsCircuitBreakerError(err) {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeInternalError, "storage unavailable")
	}
	return err
}
