package agenda

import (
	"context"
	"errors"

	"github.com/eljojo/agenda/types"
)

var (
	// ErrNotConnected is returned when sending on a connection that isn't up.
	ErrNotConnected = errors.New("relay not connected")
	// ErrOutboxFull is returned when a connection can't keep up with writes.
	ErrOutboxFull = errors.New("relay outbox full")
	// ErrConnectionClosed is returned by Connect after Close.
	ErrConnectionClosed = errors.New("relay connection closed")
)

// ConnState is the lifecycle of a relay session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// ConnectionHandler receives what a connection observes. Both callbacks run
// on the connection's own goroutine and must not block for long.
type ConnectionHandler struct {
	OnMessage     func(conn RelayConnection, msg types.RelayMessage)
	OnStateChange func(conn RelayConnection, state ConnState)
}

// RelayConnection is one session to one relay.
//
// Connect starts the session in the background and keeps it alive until
// Close or ctx is done. Subscribe, Unsubscribe and Publish never block on
// the network; they return ErrNotConnected while the session is down.
type RelayConnection interface {
	URL() string
	Connect(ctx context.Context) error
	Close() error
	State() ConnState
	Subscribe(id string, filters []types.Filter) error
	Unsubscribe(id string) error
	Publish(e types.Event) error
	SetHandler(h ConnectionHandler)
}
