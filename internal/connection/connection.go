// Package connection defines the relay connection capability consumed by the
// supervisor, the failure classification applied to its drops, and a
// WebSocket implementation.
package connection

import (
	"context"
	"fmt"
)

type EventType int

const (
	EventQR EventType = iota
	EventOpen
	EventClose
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventQR:
		return "qr"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification from a connection handle.
type Event struct {
	Type EventType
	Data []byte // QR payload for EventQR
	Err  error  // cause for EventClose and EventError
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%v)", e.Type, e.Err)
	}
	return e.Type.String()
}

// Connection is a single live handle to the relay. Events is closed once the
// handle has nothing more to report, which happens after Close or after a
// close event.
type Connection interface {
	Events() <-chan Event
	Send(ctx context.Context, message []byte) error
	Close() error
}

// Dialer opens new handles. Open should honour ctx for the handshake.
type Dialer interface {
	Open(ctx context.Context) (Connection, error)
}

type DialerFunc func(ctx context.Context) (Connection, error)

func (f DialerFunc) Open(ctx context.Context) (Connection, error) {
	return f(ctx)
}
