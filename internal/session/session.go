package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrInvalidTransition reports a lifecycle move the state machine forbids.
var ErrInvalidTransition = errors.New("session: invalid state transition")

// HangupSignaler asks the telephony provider to terminate the call leg.
// Implemented by the call-control client; faked in tests.
type HangupSignaler interface {
	HangUp(ctx context.Context, callID string) error
}

// Stats is a snapshot of per-session relay counters.
type Stats struct {
	FramesToAssistant int64
	FramesToTelephony int64
	LastActivity      time.Time
}

// Session represents one active call-to-AI bridge. The registry owns it
// for lookup; its bridge owns transport mutation. All lifecycle moves go
// through the Mark* methods, which enforce the state machine.
type Session struct {
	CallID    string
	CallerID  string
	CreatedAt time.Time

	mu    sync.Mutex
	state State

	hangup     HangupSignaler
	hangupOnce sync.Once
	closeOnce  sync.Once

	// drainCh is closed when the session enters Draining, so the bridge
	// can react to externally signaled termination (provider callbacks).
	drainCh chan struct{}

	// closers are the transport handles, attached by the bridge once both
	// legs are open. Closed exactly once on MarkClosed.
	closers []io.Closer

	framesToAssistant atomic.Int64
	framesToTelephony atomic.Int64
	lastActivity      atomic.Int64 // unix nanos
}

func newSession(callID, callerID string, hangup HangupSignaler) *Session {
	s := &Session{
		CallID:    callID,
		CallerID:  callerID,
		CreatedAt: time.Now(),
		state:     StatePending,
		hangup:    hangup,
		drainCh:   make(chan struct{}),
	}
	s.Touch()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkBridging records that the AI handshake completed.
func (s *Session) MarkBridging() error {
	return s.transition(StateBridging)
}

// MarkDraining records that one side signaled termination. Safe to call
// repeatedly; only the first call from Bridging takes effect.
func (s *Session) MarkDraining() error {
	s.mu.Lock()
	if s.state == StateDraining {
		s.mu.Unlock()
		return nil
	}
	if !canTransition(s.state, StateDraining) {
		err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateDraining)
		s.mu.Unlock()
		return err
	}
	s.state = StateDraining
	s.mu.Unlock()

	close(s.drainCh)
	slog.Info("[Session] Draining", "call_id", s.CallID)
	return nil
}

// MarkClosed moves the session to its terminal state and closes both
// transports. Idempotent: a second call is a no-op with no error.
func (s *Session) MarkClosed() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	if !canTransition(s.state, StateClosed) {
		err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateClosed)
		s.mu.Unlock()
		return err
	}
	s.state = StateClosed
	closers := s.closers
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		for _, c := range closers {
			if c != nil {
				_ = c.Close()
			}
		}
	})

	stats := s.Snapshot()
	slog.Info("[Session] Closed",
		"call_id", s.CallID,
		"frames_to_assistant", stats.FramesToAssistant,
		"frames_to_telephony", stats.FramesToTelephony,
	)
	return nil
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	from := s.state
	s.state = to
	slog.Debug("[Session] State change", "call_id", s.CallID, "from", from.String(), "to", to.String())
	return nil
}

// Drained returns a channel closed when the session enters Draining.
func (s *Session) Drained() <-chan struct{} {
	return s.drainCh
}

// AttachTransports hands the session its transport handles for teardown.
// Called once by the bridge after both legs are open.
func (s *Session) AttachTransports(closers ...io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = closers
}

// SignalHangup asks the provider to terminate the call leg, exactly once
// per session regardless of how many failure paths reach it.
func (s *Session) SignalHangup(ctx context.Context) {
	s.hangupOnce.Do(func() {
		if s.hangup == nil {
			return
		}
		if err := s.hangup.HangUp(ctx, s.CallID); err != nil {
			slog.Error("[Session] Hangup signal failed", "call_id", s.CallID, "error", err)
			return
		}
		slog.Info("[Session] Hangup signaled", "call_id", s.CallID)
	})
}

// CountToAssistant records one frame forwarded toward the AI backend.
func (s *Session) CountToAssistant() {
	s.framesToAssistant.Add(1)
	s.Touch()
}

// CountToTelephony records one frame forwarded toward the call leg.
func (s *Session) CountToTelephony() {
	s.framesToTelephony.Add(1)
	s.Touch()
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Snapshot returns current statistics.
func (s *Session) Snapshot() Stats {
	return Stats{
		FramesToAssistant: s.framesToAssistant.Load(),
		FramesToTelephony: s.framesToTelephony.Load(),
		LastActivity:      time.Unix(0, s.lastActivity.Load()),
	}
}
