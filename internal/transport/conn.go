// Package transport carries protocol frames over a websocket link.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"chatsync/internal/protocol"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// MaxFrameBytes bounds a single inbound frame.
const MaxFrameBytes = 64 * 1024

// Close statuses used by the relay.
const (
	StatusNormal       = websocket.StatusNormalClosure
	StatusGoingAway    = websocket.StatusGoingAway
	StatusRevoked      = websocket.StatusPolicyViolation
	StatusAuthRejected = websocket.StatusCode(4001)
	// StatusOverloaded drops a peer that cannot keep up; it reconnects.
	StatusOverloaded = websocket.StatusTryAgainLater
)

// CloseReason classifies why a link ended.
type CloseReason int

const (
	// CloseNetwork covers drops, timeouts and any close without a status the
	// relay uses deliberately. The client reconnects.
	CloseNetwork CloseReason = iota
	// CloseNormal is an orderly close initiated by either side.
	CloseNormal
	// CloseAdministrative means the relay ended the session on purpose, e.g.
	// a revoked credential. The client must not reconnect on its own.
	CloseAdministrative
)

func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "normal"
	case CloseAdministrative:
		return "administrative"
	default:
		return "network"
	}
}

// Classify maps a read or write error to a CloseReason.
func Classify(err error) CloseReason {
	switch websocket.CloseStatus(err) {
	case StatusRevoked, StatusAuthRejected:
		return CloseAdministrative
	case StatusNormal, StatusGoingAway:
		return CloseNormal
	default:
		return CloseNetwork
	}
}

// MalformedFrameError is returned by ReadFrame when a message arrived intact
// but did not decode. The link stays usable.
type MalformedFrameError struct {
	Err error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a MalformedFrameError.
func IsMalformed(err error) bool {
	var m *MalformedFrameError
	return errors.As(err, &m)
}

// Conn is one websocket link. Writes may be issued concurrently; reads must
// come from a single goroutine.
type Conn struct {
	ws *websocket.Conn
}

func wrap(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(MaxFrameBytes)
	return &Conn{ws: ws}
}

// Dial opens a client link to url.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return wrap(ws), nil
}

// AcceptOptions configures the server side of the upgrade.
type AcceptOptions struct {
	OriginPatterns     []string
	InsecureSkipVerify bool
}

// Accept upgrades an HTTP request to a link.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     opts.OriginPatterns,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	return wrap(ws), nil
}

// ReadFrame blocks for the next frame. Cancelling ctx closes the link.
func (c *Conn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}
	if typ != websocket.MessageText {
		return protocol.Frame{}, &MalformedFrameError{Err: errors.New("expected text message")}
	}
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return protocol.Frame{}, &MalformedFrameError{Err: err}
	}
	if f.Type == "" {
		return protocol.Frame{}, &MalformedFrameError{Err: errors.New("missing frame type")}
	}
	return f, nil
}

// WriteFrame sends one frame.
func (c *Conn) WriteFrame(ctx context.Context, f protocol.Frame) error {
	return wsjson.Write(ctx, c.ws, f)
}

// Close performs a normal closing handshake.
func (c *Conn) Close() error {
	return c.ws.Close(StatusNormal, "")
}

// CloseWith closes the link with a specific status.
func (c *Conn) CloseWith(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// Ping sends a websocket ping and waits for the pong. The peer's pong is only
// processed while a reader is active on this side.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Abort drops the link without a closing handshake.
func (c *Conn) Abort() error {
	return c.ws.CloseNow()
}
