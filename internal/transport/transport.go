// Package transport implements the two streaming legs of the bridge: the
// telephony media WebSocket accepted from the call-automation provider,
// and the realtime AI WebSocket dialed out to the backend.
package transport

import (
	"errors"
	"time"

	"github.com/deshneni-akhil/call-auomation-server/internal/events"
	"github.com/deshneni-akhil/call-auomation-server/internal/media"
)

// ErrClosed is returned by Read and Write after the transport is closed.
var ErrClosed = errors.New("transport: closed")

// Message is one unit read from or written to a leg: an audio frame, a
// decoded control event, or a stop-audio (barge-in) signal. Exactly one
// field is set. Messages preserve their relative order on each leg.
type Message struct {
	Frame *media.Frame
	Event *events.Event
	Stop  bool
}

// MediaTransport is a persistent connection carrying audio frames and
// control events for one call leg.
type MediaTransport interface {
	// Read blocks for the next message. Returns ErrClosed or the
	// underlying transport error once the connection is gone.
	Read() (Message, error)

	// Write sends a message. Safe for use concurrently with Read.
	Write(Message) error

	// Close releases the connection. Idempotent.
	Close() error
}

// Keepalive and wire timeouts shared by both legs.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)
