package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrDuplicateSession is returned when a call identifier is already
	// registered to a live session. The existing session is untouched.
	ErrDuplicateSession = errors.New("session: call already registered")

	// ErrNotFound is returned when no session exists for a call identifier.
	ErrNotFound = errors.New("session: call not found")

	// ErrNotClosed is returned when Unregister is called before the
	// session reached its terminal state.
	ErrNotClosed = errors.New("session: not closed")
)

// Registry is the process-wide table of active sessions keyed by call
// identifier. Initialized at process start, drained at shutdown. All
// mutation is mutually exclusive; per-session audio state is owned by
// that session's bridge and never touched here.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	hangup   HangupSignaler
}

// NewRegistry creates an empty registry. The hangup signaler is handed to
// every session it creates.
func NewRegistry(hangup HangupSignaler) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		hangup:   hangup,
	}
}

// Register creates a session for the call in Pending state. Fails with
// ErrDuplicateSession while a session for the same call identifier is
// alive: replacing it would orphan the prior transports. The session is
// fully constructed before insertion, so concurrent lookups never observe
// a half-built entry.
func (r *Registry) Register(callID, callerID string) (*Session, error) {
	sess := newSession(callID, callerID, r.hangup)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[callID]; exists {
		return nil, ErrDuplicateSession
	}
	r.sessions[callID] = sess

	slog.Info("[Registry] Session registered", "call_id", callID, "caller_id", callerID, "active", len(r.sessions))
	return sess, nil
}

// Lookup returns the session for a call identifier.
func (r *Registry) Lookup(callID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Unregister removes a closed session. Only valid once the session
// reached Closed; transports must be confirmed released first.
func (r *Registry) Unregister(callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	if !sess.State().IsTerminal() {
		return ErrNotClosed
	}
	delete(r.sessions, callID)

	slog.Info("[Registry] Session unregistered", "call_id", callID, "active", len(r.sessions))
	return nil
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll drains the registry at shutdown: every live session is signaled
// to hang up and force-closed, waiting up to grace for bridges to notice
// the drain before transports are torn down.
func (r *Registry) CloseAll(ctx context.Context, grace time.Duration) {
	r.mu.Lock()
	remaining := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		remaining = append(remaining, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	if len(remaining) == 0 {
		return
	}
	slog.Info("[Registry] Draining at shutdown", "active", len(remaining), "grace", grace.String())

	for _, sess := range remaining {
		sess.SignalHangup(ctx)
		_ = sess.MarkDraining()
	}

	deadline := time.After(grace)
	select {
	case <-ctx.Done():
	case <-deadline:
	}

	for _, sess := range remaining {
		if err := sess.MarkClosed(); err != nil {
			slog.Warn("[Registry] Force close failed", "call_id", sess.CallID, "error", err)
		}
	}
}
