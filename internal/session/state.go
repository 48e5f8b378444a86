// Package session tracks the lifecycle of one bridged call and the
// process-wide registry of active calls.
package session

import "fmt"

// State represents the lifecycle state of a bridged call.
type State int

const (
	// StatePending means the call is notified but the AI connection is not
	// yet established.
	StatePending State = iota
	// StateBridging means both transports are open and audio is relayed.
	StateBridging
	// StateDraining means one side signaled termination; in-flight frames
	// are being flushed to the other side.
	StateDraining
	// StateClosed is terminal; both transports are released.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateBridging:
		return "Bridging"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal returns true if the state has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// canTransition reports whether from -> to is a legal lifecycle move.
// No state is re-entered; Closed has no outgoing transitions. A failed
// AI handshake moves Pending straight to Closed.
func canTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateBridging || to == StateClosed
	case StateBridging:
		return to == StateDraining
	case StateDraining:
		return to == StateClosed
	}
	return false
}
