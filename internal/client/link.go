package client

import (
	"context"
	"sync"

	"chatsync/internal/protocol"
)

// Link is one established transport connection. *transport.Conn satisfies it.
type Link interface {
	ReadFrame(ctx context.Context) (protocol.Frame, error)
	WriteFrame(ctx context.Context, f protocol.Frame) error
	Close() error
}

// DialFunc opens a link to url. The context bounds the dial only.
type DialFunc func(ctx context.Context, url string) (Link, error)

// activeLink is the state owned by one successful handshake. It is discarded
// as a whole when the link ends; nothing carries over to the next one.
type activeLink struct {
	gen    uint64
	link   Link
	userID string
	ctx    context.Context
	cancel context.CancelFunc
	pongs  chan int64

	mu      sync.Mutex
	closed  bool
	pending map[string]chan protocol.Frame
}

func newActiveLink(parent context.Context, gen uint64, link Link, userID string) *activeLink {
	ctx, cancel := context.WithCancel(parent)
	return &activeLink{
		gen:     gen,
		link:    link,
		userID:  userID,
		ctx:     ctx,
		cancel:  cancel,
		pongs:   make(chan int64, 4),
		pending: make(map[string]chan protocol.Frame),
	}
}

// register reserves a reply slot. It returns nil once the link is closed.
func (a *activeLink) register(requestID string) chan protocol.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	ch := make(chan protocol.Frame, 1)
	a.pending[requestID] = ch
	return ch
}

func (a *activeLink) unregister(requestID string) {
	a.mu.Lock()
	delete(a.pending, requestID)
	a.mu.Unlock()
}

// resolve hands a reply to its waiting request. Replies nobody waits for are
// dropped.
func (a *activeLink) resolve(f protocol.Frame) bool {
	a.mu.Lock()
	ch, ok := a.pending[f.RequestID]
	if ok {
		delete(a.pending, f.RequestID)
	}
	a.mu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

// shutdown cancels the link's goroutines and fails every pending request by
// closing its channel.
func (a *activeLink) shutdown() {
	a.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
}

func (a *activeLink) notifyPong(ts int64) {
	select {
	case a.pongs <- ts:
	default:
	}
}
