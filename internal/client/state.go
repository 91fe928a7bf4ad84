// Package client implements the connection manager: one logical link from a
// device to the relay with handshake, heartbeat and reconnect handling.
package client

// State is the connection manager's link state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// event is consumed by the manager's loop. Every input to the state machine
// is one of the types below and handle switches over all of them.
type event interface {
	isEvent()
}

// evConnect is an explicit request to connect, optionally with new
// credentials. It is the only way out of a credential failure.
type evConnect struct {
	token string
}

// evDisconnect is an explicit request to drop the link and stay down.
type evDisconnect struct{}

// evNetwork reports a change in network reachability.
type evNetwork struct {
	online bool
}

// evLinkDown reports that the link of generation gen ended with err.
type evLinkDown struct {
	gen uint64
	err error
}

// evRetry fires when a scheduled reconnect delay elapses.
type evRetry struct {
	gen uint64
}

func (evConnect) isEvent()    {}
func (evDisconnect) isEvent() {}
func (evNetwork) isEvent()    {}
func (evLinkDown) isEvent()   {}
func (evRetry) isEvent()      {}
