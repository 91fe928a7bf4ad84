package relay

import (
	"context"
	"net/http"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/privacy"
	"chatsync/internal/protocol"
	"chatsync/internal/tracing"
	"chatsync/internal/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ServeHTTP upgrades the request and serves the link until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	link, err := transport.Accept(w, r, h.opts.Accept)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	ctx := tracing.WithConnectionID(h.ctx, connID)

	userID, err := h.authenticate(ctx, link)
	if err != nil {
		h.reject(ctx, link, err)
		return
	}
	rooms, err := h.roomsOf(ctx, userID)
	if err != nil {
		h.reject(ctx, link, err)
		return
	}

	// auth_ok goes out before the connection is registered so it is the
	// first frame the client reads.
	wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	err = link.WriteFrame(wctx, protocol.Frame{Type: protocol.TypeAuthOK, UserID: userID, Timestamp: protocol.Now()})
	cancel()
	if err != nil {
		_ = link.Abort()
		return
	}

	c := newConnection(tracing.WithUserID(ctx, userID), connID, userID, link, h.opts.SendBuffer)
	h.register(c, rooms)
	defer h.unregister(c)

	go c.writeLoop(h.opts.WriteTimeout)
	if h.opts.PingInterval > 0 {
		go c.keepAlive(h.opts.PingInterval, h.opts.PongTimeout, func(err error) {
			h.metrics.IncrementCounter(metrics.RelayHeartbeatTimeouts, nil, "Connections dropped for a missing pong")
			h.entry(c).WithError(err).Info("Peer stopped answering pings")
		})
	}
	h.welcome(c)
	h.readLoop(c)
}

func (h *Hub) authenticate(ctx context.Context, link *transport.Conn) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "relay.handshake")
	defer span.End()

	hctx, cancel := context.WithTimeout(ctx, h.opts.HandshakeTimeout)
	defer cancel()

	f, err := link.ReadFrame(hctx)
	if err != nil {
		if transport.IsMalformed(err) {
			return "", apperrors.NewValidationError("frame", "malformed handshake")
		}
		if hctx.Err() != nil {
			return "", apperrors.NewTimeoutError("handshake", h.opts.HandshakeTimeout.String())
		}
		return "", apperrors.NewTransportError("handshake", err)
	}
	if f.Type != protocol.TypeAuthenticate {
		return "", apperrors.NewAuthError("expected authenticate")
	}

	userID, err := h.auth.Verify(ctx, f.Token)
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	tracing.AddSpanAttributes(ctx, tracing.AttrUserID.String(userID))
	return userID, nil
}

// reject answers a failed handshake and closes the link. Rejected
// credentials get the auth-rejected status; anything else asks the client to
// try again later.
func (h *Hub) reject(ctx context.Context, link *transport.Conn, err error) {
	fields := tracing.Fields(ctx)
	fields["error_code"] = apperrors.GetCode(err)
	h.logger.WithFields(fields).Info("Handshake rejected")
	h.metrics.IncrementCounter(metrics.RelayErrors, map[string]string{"code": string(apperrors.GetCode(err))}, "Relay request errors by code")

	if apperrors.IsTransport(err) {
		_ = link.Abort()
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.WriteTimeout)
	defer cancel()
	_ = link.WriteFrame(wctx, protocol.Frame{Type: protocol.TypeAuthError, Error: apperrors.ToWire(err), Timestamp: protocol.Now()})

	status := transport.StatusOverloaded
	if apperrors.HasCode(err, apperrors.ErrCodeAuthentication) || apperrors.HasCode(err, apperrors.ErrCodeValidationFailed) {
		status = transport.StatusAuthRejected
	}
	_ = link.CloseWith(status, string(apperrors.GetCode(err)))
}

func (h *Hub) readLoop(c *connection) {
	for {
		f, err := c.link.ReadFrame(c.ctx)
		if err != nil {
			if transport.IsMalformed(err) {
				h.entry(c).WithError(err).Warn("Dropping malformed frame")
				h.metrics.IncrementCounter(metrics.RelayErrors, map[string]string{"code": string(apperrors.ErrCodeValidationFailed)}, "Relay request errors by code")
				continue
			}
			h.entry(c).WithField("reason", transport.Classify(err).String()).Debug("Connection closed")
			return
		}
		h.dispatch(c, f)
	}
}

func (h *Hub) entry(c *connection) *logrus.Entry {
	return h.logger.WithFields(privacy.MaskFields(logrus.Fields{
		"connection_id": c.id,
		"user_id":       c.userID,
		"age":           time.Since(c.createdAt).Round(time.Millisecond).String(),
	}))
}
