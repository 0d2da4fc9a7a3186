package supervisor

import (
	"fmt"
	"time"
)

// State is the supervisor's connection lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Reconnecting
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionState folds the lifecycle state onto the coarse
// disconnected/connecting/open/closing status reported to callers.
func (s State) ConnectionState() string {
	switch s {
	case Connecting, Reconnecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "disconnected"
	}
}

// RetryState is reset on every successful open.
type RetryState struct {
	AttemptCount        int
	ConsecutiveFailures int
	LastError           error
	LastSuccessTime     time.Time
}

// Status is a copy of the supervisor's bookkeeping. Total counters are
// never reset and cover the whole process lifetime.
type Status struct {
	State         State
	Retry         RetryState
	NextAttempt   time.Time
	TotalAttempts int64
	TotalFailures int64
	TotalConnects int64
}

// SuccessRate is the share of all attempts that reached open.
func (s Status) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.TotalConnects) / float64(s.TotalAttempts)
}

type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventQR
	EventCircuitOpen
	EventFatal
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventQR:
		return "qr"
	case EventCircuitOpen:
		return "circuitOpen"
	case EventFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event is what the supervisor reports to the rest of the application.
type Event struct {
	Type EventType
	// Err is set on disconnected and fatal.
	Err error
	// Data carries the pairing payload of a qr event.
	Data []byte
	// Wait is the deferral announced by circuitOpen.
	Wait time.Duration
	// Reconnect marks a connected event that followed an earlier open.
	Reconnect bool
}

func (e Event) String() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s(%v)", e.Type, e.Err)
	case e.Type == EventCircuitOpen:
		return fmt.Sprintf("%s(%s)", e.Type, e.Wait)
	default:
		return e.Type.String()
	}
}
