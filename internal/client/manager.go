package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/internal/constants"
	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/protocol"
	"chatsync/internal/retry"
	"chatsync/internal/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options configure a Manager. Zero durations take the package defaults.
type Options struct {
	URL               string
	Token             string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	RequestTimeout    time.Duration
	Reconnect         retry.BackoffConfig
	Dial              DialFunc
	Logger            *logrus.Logger
	Metrics           *metrics.Registry
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = constants.DefaultHandshakeTimeoutMs * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = constants.DefaultHeartbeatMs * time.Millisecond
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = constants.DefaultPongTimeoutMs * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = constants.DefaultRequestTimeoutMs * time.Millisecond
	}
	if o.Reconnect.InitialDelay <= 0 {
		o.Reconnect = retry.BackoffConfig{
			InitialDelay: constants.DefaultReconnectInitialMs * time.Millisecond,
			MaxDelay:     constants.DefaultReconnectMaxMs * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  constants.DefaultReconnectMaxAttempts,
			Jitter:       true,
		}
	}
	if o.Dial == nil {
		o.Dial = func(ctx context.Context, url string) (Link, error) {
			return transport.Dial(ctx, url, nil)
		}
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.GetRegistry()
	}
}

// StateObserver is told about every state change. Observers run on the
// manager's loop and must not block.
type StateObserver func(from, to State)

// FrameHandler receives relay events (everything that is not a reply or a
// heartbeat). Handlers run on a dedicated goroutine, in arrival order, and
// may call Send.
type FrameHandler func(protocol.Frame)

// Manager owns the single logical link to the relay. All state transitions
// happen on one loop goroutine fed by an event channel; the reader, heartbeat
// and timer goroutines only post events to it.
type Manager struct {
	opts   Options
	logger *logrus.Logger
	policy *retry.Policy
	rtt    *rttWindow

	events  chan event
	inbound chan protocol.Frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Loop-owned.
	token      string
	wanted     bool
	networkUp  bool
	sticky     bool
	gen        uint64
	retryGen   uint64
	retryTimer *time.Timer

	mu        sync.RWMutex
	state     State
	active    *activeLink
	lastErr   error
	observers []StateObserver
	handler   FrameHandler
}

// NewManager creates a manager in Disconnected. Call Start to run it and
// Connect to bring the link up.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		policy:    retry.NewPolicy(opts.Reconnect),
		rtt:       newRTTWindow(constants.DefaultRTTWindow),
		events:    make(chan event, 64),
		inbound:   make(chan protocol.Frame, 256),
		token:     opts.Token,
		networkUp: true,
		state:     StateDisconnected,
	}
}

// OnStateChange registers an observer. Register before Start.
func (m *Manager) OnStateChange(fn StateObserver) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// OnFrame sets the handler for relay events. Register before Start.
func (m *Manager) OnFrame(fn FrameHandler) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

// Start runs the manager until ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.run()
	go m.dispatch()
}

// Close stops the manager and drops the link.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Connect asks the manager to bring the link up. A non-empty token replaces
// the current credentials. It also clears a credential failure.
func (m *Manager) Connect(token string) {
	m.post(evConnect{token: token})
}

// Disconnect drops the link and stops reconnecting until Connect is called.
func (m *Manager) Disconnect() {
	m.post(evDisconnect{})
}

// SetNetworkAvailable feeds network reachability into the state machine.
func (m *Manager) SetNetworkAvailable(online bool) {
	m.post(evNetwork{online: online})
}

// State returns the current link state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether a link is up and authenticated.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// UserID returns the identity the relay confirmed at handshake, or "" when
// not connected.
func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ""
	}
	return m.active.userID
}

// LastError returns the error behind the most recent Failed state.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// RTT returns the rolling average heartbeat round-trip time.
func (m *Manager) RTT() time.Duration {
	return m.rtt.average()
}

// Send transmits a request frame and waits for its ack or error reply. It
// fails fast with NOT_CONNECTED when no link is up; the manager keeps no
// operation state across disconnects. An error reply is returned as the
// decoded AppError together with the reply frame.
func (m *Manager) Send(ctx context.Context, f protocol.Frame) (protocol.Frame, error) {
	m.mu.RLock()
	a := m.active
	connected := m.state == StateConnected
	m.mu.RUnlock()
	if a == nil || !connected {
		return protocol.Frame{}, apperrors.NewNotConnectedError()
	}

	if f.RequestID == "" {
		f.RequestID = uuid.NewString()
	}
	f.Timestamp = protocol.Now()

	reply := a.register(f.RequestID)
	if reply == nil {
		return protocol.Frame{}, apperrors.NewNotConnectedError()
	}
	defer a.unregister(f.RequestID)

	if err := a.link.WriteFrame(ctx, f); err != nil {
		return protocol.Frame{}, apperrors.NewTransportError(string(f.Type), err)
	}

	timer := time.NewTimer(m.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r, ok := <-reply:
		if !ok {
			return protocol.Frame{}, apperrors.NewTransportError(string(f.Type), fmt.Errorf("link closed before reply"))
		}
		if r.Type == protocol.TypeError {
			return r, apperrors.FromWire(r.Error)
		}
		return r, nil
	case <-timer.C:
		return protocol.Frame{}, apperrors.NewTimeoutError(string(f.Type), m.opts.RequestTimeout.String())
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Notify sends a fire-and-forget frame such as a typing signal.
func (m *Manager) Notify(ctx context.Context, f protocol.Frame) error {
	m.mu.RLock()
	a := m.active
	connected := m.state == StateConnected
	m.mu.RUnlock()
	if a == nil || !connected {
		return apperrors.NewNotConnectedError()
	}
	f.Timestamp = protocol.Now()
	if err := a.link.WriteFrame(ctx, f); err != nil {
		return apperrors.NewTransportError(string(f.Type), err)
	}
	return nil
}

func (m *Manager) post(ev event) {
	if m.ctx == nil {
		return
	}
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-m.ctx.Done():
			m.stopRetry()
			m.dropLink()
			m.setState(StateDisconnected, nil)
			return
		}
	}
}

func (m *Manager) handle(ev event) {
	switch e := ev.(type) {
	case evConnect:
		if e.token != "" {
			m.token = e.token
		}
		m.wanted = true
		m.sticky = false
		if m.State() == StateConnected {
			return
		}
		m.stopRetry()
		if !m.networkUp {
			m.setState(StateDisconnected, nil)
			return
		}
		m.policy.Reset()
		m.setState(StateConnecting, nil)
		m.attempt()

	case evDisconnect:
		m.wanted = false
		m.stopRetry()
		m.dropLink()
		m.setState(StateDisconnected, nil)

	case evNetwork:
		m.networkUp = e.online
		if m.State() == StateFailed && m.sticky {
			return
		}
		if !e.online {
			m.stopRetry()
			m.dropLink()
			m.setState(StateDisconnected, nil)
			return
		}
		if m.wanted && m.State() != StateConnected {
			m.policy.Reset()
			m.setState(StateConnecting, nil)
			m.attempt()
		}

	case evLinkDown:
		m.mu.RLock()
		current := m.active != nil && m.active.gen == e.gen
		m.mu.RUnlock()
		if !current {
			return
		}
		m.dropLink()
		reason := transport.Classify(e.err)
		m.logger.WithFields(logrus.Fields{
			"reason": reason.String(),
			"error":  e.err,
		}).Warn("Link to relay closed")

		switch {
		case reason == transport.CloseAdministrative:
			m.sticky = true
			m.setState(StateFailed, apperrors.NewAuthError("session closed by relay"))
		case !m.networkUp || !m.wanted:
			m.setState(StateDisconnected, nil)
		default:
			m.policy.Reset()
			m.setState(StateReconnecting, nil)
			m.attempt()
		}

	case evRetry:
		if e.gen != m.retryGen {
			return
		}
		if s := m.State(); s != StateReconnecting {
			return
		}
		m.attempt()

	default:
		panic(fmt.Sprintf("client: unhandled event %T", ev))
	}
}

// attempt runs one handshake and moves to Connected, Failed or a scheduled
// retry. Only the loop calls it.
func (m *Manager) attempt() {
	link, userID, err := m.handshake()
	if err == nil {
		m.policy.Reset()
		m.installLink(link, userID)
		m.setState(StateConnected, nil)
		return
	}

	if m.ctx.Err() != nil {
		return
	}

	if apperrors.IsTerminal(err) {
		m.sticky = true
		m.setState(StateFailed, err)
		return
	}

	delay, ok := m.policy.NextDelay()
	if !ok {
		m.sticky = false
		m.setState(StateFailed, apperrors.NewRetryExhaustedError("", m.opts.Reconnect.MaxAttempts, err))
		return
	}

	m.setState(StateReconnecting, nil)
	m.logger.WithFields(logrus.Fields{
		"attempt": m.policy.Attempts(),
		"delay":   delay.String(),
		"error":   err.Error(),
	}).Info("Reconnect scheduled")

	m.retryGen++
	gen := m.retryGen
	m.retryTimer = time.AfterFunc(delay, func() { m.post(evRetry{gen: gen}) })
}

func (m *Manager) handshake() (Link, string, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.HandshakeTimeout)
	defer cancel()

	link, err := m.opts.Dial(ctx, m.opts.URL)
	if err != nil {
		return nil, "", apperrors.NewTransportError("dial", err)
	}

	fail := func(err error) (Link, string, error) {
		_ = link.Close()
		return nil, "", err
	}

	if err := link.WriteFrame(ctx, protocol.Frame{
		Type:      protocol.TypeAuthenticate,
		Token:     m.token,
		Timestamp: protocol.Now(),
	}); err != nil {
		return fail(apperrors.NewTransportError("authenticate", err))
	}

	reply, err := link.ReadFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fail(apperrors.NewTimeoutError("handshake", m.opts.HandshakeTimeout.String()))
		}
		return fail(apperrors.NewTransportError("handshake", err))
	}

	switch reply.Type {
	case protocol.TypeAuthOK:
		return link, reply.UserID, nil
	case protocol.TypeAuthError:
		if reply.Error == nil {
			return fail(apperrors.NewAuthError("rejected by relay"))
		}
		return fail(apperrors.FromWire(reply.Error))
	default:
		return fail(apperrors.NewTransportError("handshake", fmt.Errorf("unexpected %s frame", reply.Type)))
	}
}

func (m *Manager) installLink(link Link, userID string) {
	m.gen++
	a := newActiveLink(m.ctx, m.gen, link, userID)

	m.mu.Lock()
	m.active = a
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop(a)
	go m.heartbeat(a)
}

// dropLink tears the current link down. The closing handshake runs in the
// background so a dead peer cannot stall the loop.
func (m *Manager) dropLink() {
	m.mu.Lock()
	a := m.active
	m.active = nil
	m.mu.Unlock()
	if a == nil {
		return
	}
	a.shutdown()
	go func() { _ = a.link.Close() }()
}

func (m *Manager) stopRetry() {
	m.retryGen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) setState(to State, cause error) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	if to == StateFailed {
		m.lastErr = cause
	}
	observers := make([]StateObserver, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	fields := logrus.Fields{"from": from.String(), "state": to.String()}
	if cause != nil {
		fields["error_code"] = string(apperrors.GetCode(cause))
	}
	if to == StateFailed {
		m.logger.WithFields(fields).Error("Connection failed")
	} else {
		m.logger.WithFields(fields).Info("Connection state changed")
	}

	for _, fn := range observers {
		fn(from, to)
	}
}

func (m *Manager) readLoop(a *activeLink) {
	defer m.wg.Done()
	for {
		f, err := a.link.ReadFrame(a.ctx)
		if err != nil {
			if transport.IsMalformed(err) {
				m.logger.WithError(err).Warn("Dropping malformed frame from relay")
				continue
			}
			if a.ctx.Err() == nil {
				m.post(evLinkDown{gen: a.gen, err: err})
			}
			return
		}

		switch f.Type {
		case protocol.TypePong:
			a.notifyPong(f.Timestamp)
		case protocol.TypePing:
			if err := a.link.WriteFrame(a.ctx, protocol.Pong(f)); err != nil {
				m.post(evLinkDown{gen: a.gen, err: err})
				return
			}
		case protocol.TypeAck, protocol.TypeError:
			if !a.resolve(f) {
				m.logger.WithField("request_id", f.RequestID).Debug("Reply for unknown request")
			}
		default:
			select {
			case m.inbound <- f:
			case <-a.ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case f := <-m.inbound:
			m.mu.RLock()
			handler := m.handler
			m.mu.RUnlock()
			if handler != nil {
				handler(f)
			}
		case <-m.ctx.Done():
			return
		}
	}
}
