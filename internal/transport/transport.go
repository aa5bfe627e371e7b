// internal/transport/transport.go
package transport

import (
	"context"
	"time"
)

// Transport is the byte link to the hub.
//
// Send writes one fixed-size frame. Start begins inbound delivery: onFrame is
// called from a single goroutine, one raw frame per call, and must not block
// for long. HardReset brings the physical link (and the hub behind it) back
// to a known state. Implementations are safe for concurrent use.
type Transport interface {
	Send(frame []byte, timeout time.Duration) error
	Start(ctx context.Context, onFrame func(raw []byte)) error
	HardReset(ctx context.Context) error
	Close() error
}

// State describes the link status.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Stater is implemented by transports that track a connection state.
type Stater interface {
	LinkState() State
}

// StateOf returns tr's link state, or StateConnected for stateless links.
func StateOf(tr Transport) State {
	if s, ok := tr.(Stater); ok {
		return s.LinkState()
	}
	return StateConnected
}
