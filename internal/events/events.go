// Package events decodes provider call-automation signaling into a closed
// event variant set, so the rest of the bridge never depends on
// provider-specific payload shapes.
package events

import "fmt"

// Kind identifies a call event variant.
type Kind int

const (
	// KindConnected indicates the call leg is established.
	KindConnected Kind = iota
	// KindDisconnected indicates the call leg has ended.
	KindDisconnected
	// KindMediaStarted indicates the media stream is flowing.
	KindMediaStarted
	// KindMediaStopped indicates the media stream has stopped.
	KindMediaStopped
	// KindDTMF carries a single touch-tone digit.
	KindDTMF
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "Connected"
	case KindDisconnected:
		return "Disconnected"
	case KindMediaStarted:
		return "MediaStarted"
	case KindMediaStopped:
		return "MediaStopped"
	case KindDTMF:
		return "DTMF"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Event is one decoded call event. Ephemeral: consumed by the session
// state machine, never persisted.
type Event struct {
	Kind   Kind
	CallID string
	Digit  rune // set for KindDTMF
}

// String returns a human-readable representation of the event.
func (e Event) String() string {
	if e.Kind == KindDTMF {
		return fmt.Sprintf("DTMF '%c' call=%s", e.Digit, e.CallID)
	}
	return fmt.Sprintf("%s call=%s", e.Kind, e.CallID)
}

// ToneToDigit maps a provider tone name to its digit character.
// Returns the digit and true if the tone is recognized.
func ToneToDigit(tone string) (rune, bool) {
	switch tone {
	case "zero":
		return '0', true
	case "one":
		return '1', true
	case "two":
		return '2', true
	case "three":
		return '3', true
	case "four":
		return '4', true
	case "five":
		return '5', true
	case "six":
		return '6', true
	case "seven":
		return '7', true
	case "eight":
		return '8', true
	case "nine":
		return '9', true
	case "asterisk":
		return '*', true
	case "pound":
		return '#', true
	case "a", "A":
		return 'A', true
	case "b", "B":
		return 'B', true
	case "c", "C":
		return 'C', true
	case "d", "D":
		return 'D', true
	}
	return 0, false
}

// IsDigit reports whether r is a valid DTMF digit character.
func IsDigit(r rune) bool {
	switch r {
	case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '*', '#', 'A', 'B', 'C', 'D':
		return true
	}
	return false
}
