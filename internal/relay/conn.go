package relay

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/protocol"
	"chatsync/internal/transport"

	"github.com/coder/websocket"
)

// connection is one authenticated link. Outbound frames go through send and
// are written by a single goroutine; rooms is guarded by the hub's mutex.
type connection struct {
	id        string
	userID    string
	link      *transport.Conn
	send      chan protocol.Frame
	rooms     map[string]struct{}
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newConnection(parent context.Context, id, userID string, link *transport.Conn, buffer int) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		id:        id,
		userID:    userID,
		link:      link,
		send:      make(chan protocol.Frame, buffer),
		rooms:     make(map[string]struct{}),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// enqueue queues f without blocking. It reports false when the connection is
// gone or its buffer is full.
func (c *connection) enqueue(f protocol.Frame) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *connection) writeLoop(timeout time.Duration) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, timeout)
			err := c.link.WriteFrame(ctx, f)
			cancel()
			if err != nil {
				_ = c.link.Abort()
				return
			}
		}
	}
}

// keepAlive pings the peer every interval. A pong that does not arrive within
// timeout drops the link, which ends the read loop and unregisters c.
func (c *connection) keepAlive(interval, timeout time.Duration, onTimeout func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, timeout)
			err := c.link.Ping(ctx)
			cancel()
			if err == nil {
				continue
			}
			if c.ctx.Err() == nil {
				onTimeout(err)
			}
			_ = c.link.Abort()
			return
		}
	}
}

// closeWith starts the closing handshake. The read loop sees the close and
// unregisters the connection.
func (c *connection) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		go func() { _ = c.link.CloseWith(code, reason) }()
	})
}
