// Package relay pumps audio between the two legs of a bridged call: the
// telephony media stream and the realtime AI session. Each direction runs
// a read loop and a write loop joined by a bounded channel, so a slow
// peer pauses the opposite read instead of growing an unbounded queue.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deshneni-akhil/call-auomation-server/internal/events"
	"github.com/deshneni-akhil/call-auomation-server/internal/media"
	"github.com/deshneni-akhil/call-auomation-server/internal/session"
	"github.com/deshneni-akhil/call-auomation-server/internal/transport"
)

// AssistantDialer opens the AI leg for a call. Implemented by
// transport.Connector; tests substitute fakes.
type AssistantDialer interface {
	Connect(ctx context.Context, callID string) (transport.MediaTransport, error)
}

// Bridge relays media for one registry of sessions. It is stateless
// across calls; Run carries all per-call state.
type Bridge struct {
	dialer     AssistantDialer
	telephony  media.Format
	assistant  media.Format
	frameDur   time.Duration
	queueDepth int
	drainGrace time.Duration
}

// New creates a bridge with the given leg formats and flow limits.
func New(dialer AssistantDialer, telephony, assistant media.Format, frameDur time.Duration, queueDepth int, drainGrace time.Duration) *Bridge {
	if queueDepth <= 0 {
		queueDepth = 50
	}
	return &Bridge{
		dialer:     dialer,
		telephony:  telephony,
		assistant:  assistant,
		frameDur:   frameDur,
		queueDepth: queueDepth,
		drainGrace: drainGrace,
	}
}

// Run bridges one call until a leg terminates or ctx is cancelled. It
// owns both transports from this point: they are closed before Run
// returns, and the session ends in the Closed state.
func (b *Bridge) Run(ctx context.Context, sess *session.Session, telephony transport.MediaTransport) error {
	codec, err := media.NewCodec(b.telephony, b.assistant, b.frameDur)
	if err != nil {
		_ = telephony.Close()
		_ = sess.MarkClosed()
		return err
	}

	assistant, err := b.dialer.Connect(ctx, sess.CallID)
	if err != nil {
		slog.Error("[Relay] Assistant handshake failed", "call_id", sess.CallID, "error", err)
		_ = telephony.Close()
		_ = sess.MarkClosed()
		sess.SignalHangup(ctx)
		return fmt.Errorf("assistant handshake: %w", err)
	}

	sess.AttachTransports(telephony, assistant)
	if err := sess.MarkBridging(); err != nil {
		_ = sess.MarkClosed()
		return err
	}
	slog.Info("[Relay] Bridging started", "call_id", sess.CallID)

	toAssistant := make(chan transport.Message, b.queueDepth)
	toTelephony := make(chan transport.Message, b.queueDepth)
	errs := make(chan error, 4)

	var wg sync.WaitGroup
	wg.Add(4)
	go b.readLoop(&wg, sess, telephony, toAssistant, errs)
	go b.readLoop(&wg, sess, assistant, toTelephony, errs)
	go b.assistantWriteLoop(&wg, sess, codec, assistant, toAssistant, errs)
	go b.telephonyWriteLoop(&wg, sess, codec, telephony, toTelephony, errs)

	var cause error
	select {
	case <-ctx.Done():
		cause = ctx.Err()
	case <-sess.Drained():
		cause = nil
	case cause = <-errs:
	}
	if err := sess.MarkDraining(); err == nil {
		// Leave in-flight audio a moment to play out before tearing down.
		timer := time.NewTimer(b.drainGrace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	sess.SignalHangup(context.WithoutCancel(ctx))
	_ = telephony.Close()
	_ = assistant.Close()
	wg.Wait()
	_ = sess.MarkClosed()

	stats := sess.Snapshot()
	csA, csT := codec.Stats()
	slog.Info("[Relay] Bridging finished",
		"call_id", sess.CallID,
		"to_assistant", stats.FramesToAssistant,
		"to_telephony", stats.FramesToTelephony,
		"caller_samples", csA.SamplesIn,
		"assistant_samples", csT.SamplesIn,
		"cause", causeString(cause))
	if cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func causeString(err error) string {
	if err == nil {
		return "drained"
	}
	return err.Error()
}

// drain keeps a direction channel moving after its writer has failed, so
// the paired read loop never blocks on a full queue during teardown.
func drain(in <-chan transport.Message) {
	for range in {
	}
}

// readLoop drains one transport into its direction channel. A stream-end
// event or transport error terminates the loop; the channel close is the
// writer's signal to flush and exit.
func (b *Bridge) readLoop(wg *sync.WaitGroup, sess *session.Session, src transport.MediaTransport, out chan<- transport.Message, errs chan<- error) {
	defer wg.Done()
	defer close(out)
	for {
		msg, err := src.Read()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				errs <- err
			} else {
				errs <- nil
			}
			return
		}
		if msg.Event != nil {
			switch msg.Event.Kind {
			case events.KindDisconnected, events.KindMediaStopped:
				slog.Info("[Relay] Stream ended", "call_id", sess.CallID, "event", msg.Event.Kind)
				errs <- nil
				return
			case events.KindMediaStarted:
				sess.Touch()
				continue
			}
		}
		out <- msg
		sess.Touch()
	}
}

// assistantWriteLoop transcodes caller audio and forwards it, with DTMF
// events passed through in arrival order relative to the audio.
func (b *Bridge) assistantWriteLoop(wg *sync.WaitGroup, sess *session.Session, codec *media.Codec, dst transport.MediaTransport, in <-chan transport.Message, errs chan<- error) {
	defer wg.Done()
	if err := b.pumpToAssistant(sess, codec, dst, in); err != nil {
		errs <- err
		drain(in)
	}
}

func (b *Bridge) pumpToAssistant(sess *session.Session, codec *media.Codec, dst transport.MediaTransport, in <-chan transport.Message) error {
	for msg := range in {
		if msg.Frame != nil {
			frames, err := codec.ToAssistant(*msg.Frame)
			if err != nil {
				if errors.Is(err, media.ErrCodecOverflow) {
					slog.Warn("[Relay] Dropping undecodable caller frame", "call_id", sess.CallID, "error", err)
					continue
				}
				return err
			}
			for i := range frames {
				if err := dst.Write(transport.Message{Frame: &frames[i]}); err != nil {
					return err
				}
				sess.CountToAssistant()
			}
			continue
		}
		// A control event must not overtake caller audio still buffered
		// in the converter: flush the partial frame ahead of it.
		if tail, ok := codec.FlushToAssistant(); ok {
			if err := dst.Write(transport.Message{Frame: &tail}); err != nil {
				return err
			}
			sess.CountToAssistant()
		}
		if err := dst.Write(msg); err != nil {
			return err
		}
	}
	if tail, ok := codec.FlushToAssistant(); ok {
		if err := dst.Write(transport.Message{Frame: &tail}); err == nil {
			sess.CountToAssistant()
		}
	}
	return nil
}

// telephonyWriteLoop transcodes assistant audio for the call leg and
// relays barge-in stop signals ahead of any further audio.
func (b *Bridge) telephonyWriteLoop(wg *sync.WaitGroup, sess *session.Session, codec *media.Codec, dst transport.MediaTransport, in <-chan transport.Message, errs chan<- error) {
	defer wg.Done()
	if err := b.pumpToTelephony(sess, codec, dst, in); err != nil {
		errs <- err
		drain(in)
	}
}

func (b *Bridge) pumpToTelephony(sess *session.Session, codec *media.Codec, dst transport.MediaTransport, in <-chan transport.Message) error {
	for msg := range in {
		if msg.Stop {
			if err := dst.Write(msg); err != nil {
				return err
			}
			continue
		}
		if msg.Frame == nil {
			continue
		}
		frames, err := codec.ToTelephony(*msg.Frame)
		if err != nil {
			if errors.Is(err, media.ErrCodecOverflow) {
				slog.Warn("[Relay] Dropping undecodable assistant frame", "call_id", sess.CallID, "error", err)
				continue
			}
			return err
		}
		for i := range frames {
			if err := dst.Write(transport.Message{Frame: &frames[i]}); err != nil {
				return err
			}
			sess.CountToTelephony()
		}
	}
	if tail, ok := codec.FlushToTelephony(); ok {
		if err := dst.Write(transport.Message{Frame: &tail}); err == nil {
			sess.CountToTelephony()
		}
	}
	return nil
}
