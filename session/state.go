package session

import "fmt"

// State is the session lifecycle state.
type State int

const (
	// Idle is the initial state before any connection attempt.
	Idle State = iota
	// Negotiating means the transport is open and capability exchange is in
	// flight.
	Negotiating
	// KeyExchange means a session-key exchange is in flight.
	KeyExchange
	// Established means the session is negotiated and usable.
	Established
	// Disconnecting means an orderly disconnect was requested and its ack is
	// pending.
	Disconnecting
	// Disconnected means the transport is detached but server state is
	// retained for reconnection.
	Disconnected
	// Reconnecting means a new transport is being attached to existing
	// server state.
	Reconnecting
	// Closing means an orderly teardown is in flight.
	Closing
	// Closed is terminal after orderly teardown.
	Closed
	// Broken is terminal after a fatal error.
	Broken
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Negotiating:
		return "Negotiating"
	case KeyExchange:
		return "KeyExchange"
	case Established:
		return "Established"
	case Disconnecting:
		return "Disconnecting"
	case Disconnected:
		return "Disconnected"
	case Reconnecting:
		return "Reconnecting"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	case Broken:
		return "Broken"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Closed || s == Broken }

// transitions is the allowed-successor table. Broken is reachable from any
// non-terminal state and is handled outside the table.
var transitions = map[State][]State{
	Idle:          {Negotiating},
	Negotiating:   {Established},
	Established:   {KeyExchange, Disconnecting, Reconnecting, Closing},
	KeyExchange:   {Established, Reconnecting},
	Disconnecting: {Disconnected},
	Disconnected:  {Reconnecting, Closing},
	Reconnecting:  {Established},
	Closing:       {Closed},
}

func canTransition(from, to State) bool {
	if to == Broken {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports an attempt to move a session outside the
// allowed state table.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}
