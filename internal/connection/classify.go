package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/gorilla/websocket"
)

// Close codes used by the relay. They follow the WhatsApp-Web disconnect
// reasons; close frames carry them offset by CloseCodeOffset.
const (
	CodeLoggedOut          = 401
	CodeForbidden          = 403
	CodeTimedOut           = 408
	CodeConnectionClosed   = 428
	CodeConnectionReplaced = 440
	CodeBadSession         = 500
	CodeRestartRequired    = 515

	CloseCodeOffset = 4000
)

var (
	ErrLoggedOut = errors.New("session logged out")
	ErrForbidden = errors.New("forbidden by server")
	ErrClosed    = errors.New("connection closed")
)

type Failure int

const (
	FailureTransient Failure = iota
	FailureTerminal
)

func (f Failure) String() string {
	if f == FailureTerminal {
		return "terminal"
	}
	return "transient"
}

// CloseError is a drop reported by the relay with a reason code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("relay closed connection (code %d)", e.Code)
	}
	return fmt.Sprintf("relay closed connection (code %d): %s", e.Code, e.Reason)
}

func (e *CloseError) Is(target error) bool {
	switch target {
	case ErrLoggedOut:
		return e.Code == CodeLoggedOut
	case ErrForbidden:
		return e.Code == CodeForbidden
	case ErrClosed:
		return true
	}
	return false
}

// Classify decides whether a drop may be retried. Only an explicit logout
// or a forbidden response is terminal.
func Classify(err error) Failure {
	if err == nil {
		return FailureTransient
	}
	if errors.Is(err, ErrLoggedOut) || errors.Is(err, ErrForbidden) {
		return FailureTerminal
	}
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		switch wsErr.Code {
		case CloseCodeOffset + CodeLoggedOut, CloseCodeOffset + CodeForbidden:
			return FailureTerminal
		}
	}
	return FailureTransient
}

// FromCloseFrame maps a websocket close frame onto a CloseError when it
// carries a relay reason code.
func FromCloseFrame(err error) error {
	var wsErr *websocket.CloseError
	if !errors.As(err, &wsErr) {
		return err
	}
	if wsErr.Code >= CloseCodeOffset && wsErr.Code < CloseCodeOffset+1000 {
		return &CloseError{Code: wsErr.Code - CloseCodeOffset, Reason: wsErr.Text}
	}
	return err
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// Describe gives a short human reading of a drop for logs.
func Describe(err error) string {
	var closeErr *CloseError
	switch {
	case err == nil:
		return "closed without error"
	case errors.As(err, &closeErr):
		return closeErr.Error()
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "relay closed the stream"
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return "timeout"
	case IsNetClosedError(err):
		return "network connection closed"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "relay closed the stream"
	default:
		return err.Error()
	}
}
