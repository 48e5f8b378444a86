package transport

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deshneni-akhil/call-auomation-server/internal/events"
	"github.com/deshneni-akhil/call-auomation-server/internal/media"
)

// Inbound media stream message kinds.
const (
	kindAudioMetadata = "AudioMetadata"
	kindAudioData     = "AudioData"
	kindDtmfData      = "DtmfData"
)

// streamMessage is the provider's inbound media WebSocket envelope.
type streamMessage struct {
	Kind          string         `json:"kind"`
	AudioData     *audioData     `json:"audioData"`
	AudioMetadata *audioMetadata `json:"audioMetadata"`
	DtmfData      *dtmfData      `json:"dtmfData"`
}

type audioData struct {
	Data      string `json:"data"` // base64 PCM
	Timestamp string `json:"timestamp"`
	Silent    bool   `json:"silent"`
}

type audioMetadata struct {
	SubscriptionID string `json:"subscriptionId"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sampleRate"`
	Channels       int    `json:"channels"`
}

type dtmfData struct {
	Data string `json:"data"`
}

// outStreamMessage is the outbound envelope. The provider expects
// capitalized keys on this direction of the stream.
type outStreamMessage struct {
	Kind      string        `json:"Kind"`
	AudioData *outAudioData `json:"AudioData"`
	StopAudio *struct{}     `json:"StopAudio"`
}

type outAudioData struct {
	Data string `json:"Data"`
}

// ACSTransport is the telephony leg: an accepted media-streaming
// WebSocket carrying JSON-framed base64 audio and in-band DTMF.
type ACSTransport struct {
	conn   *websocket.Conn
	callID string

	writeMu sync.Mutex
	seq     uint64

	closeOnce sync.Once
	closed    chan struct{}

	mediaStarted bool
}

// NewACSTransport wraps an accepted media WebSocket for one call. It
// installs read deadlines with pong-based extension and starts a
// keepalive pinger that stops when the transport closes.
func NewACSTransport(conn *websocket.Conn, callID string) *ACSTransport {
	t := &ACSTransport{
		conn:   conn,
		callID: callID,
		closed: make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go t.pingLoop()

	return t
}

func (t *ACSTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Read blocks for the next audio frame or decoded control event.
// Malformed messages are logged and skipped, never fatal: the provider
// may emit kinds this bridge does not act on.
func (t *ACSTransport) Read() (Message, error) {
	for {
		select {
		case <-t.closed:
			return Message{}, ErrClosed
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				return Message{}, ErrClosed
			default:
			}
			return Message{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, ok := t.decode(data)
		if !ok {
			continue
		}
		return msg, nil
	}
}

// decode maps one wire message to a transport message. Returns false for
// messages that carry nothing to forward.
func (t *ACSTransport) decode(data []byte) (Message, bool) {
	var sm streamMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		slog.Warn("[ACS] Malformed stream message, ignoring", "call_id", t.callID, "error", err)
		return Message{}, false
	}

	switch sm.Kind {
	case kindAudioData:
		if sm.AudioData == nil {
			slog.Warn("[ACS] AudioData without payload, ignoring", "call_id", t.callID)
			return Message{}, false
		}
		pcm, err := base64.StdEncoding.DecodeString(sm.AudioData.Data)
		if err != nil {
			slog.Warn("[ACS] Undecodable audio payload, dropping frame", "call_id", t.callID, "error", err)
			return Message{}, false
		}
		t.seq++
		return Message{Frame: &media.Frame{Payload: pcm, Seq: t.seq, Source: media.SourceTelephony}}, true

	case kindDtmfData:
		if sm.DtmfData == nil || sm.DtmfData.Data == "" {
			slog.Warn("[ACS] DtmfData without digit, ignoring", "call_id", t.callID)
			return Message{}, false
		}
		digit := rune(sm.DtmfData.Data[0])
		if !events.IsDigit(digit) {
			slog.Warn("[ACS] Unrecognized DTMF digit, ignoring", "call_id", t.callID, "digit", sm.DtmfData.Data)
			return Message{}, false
		}
		return Message{Event: &events.Event{Kind: events.KindDTMF, CallID: t.callID, Digit: digit}}, true

	case kindAudioMetadata:
		if t.mediaStarted {
			return Message{}, false
		}
		t.mediaStarted = true
		if sm.AudioMetadata != nil {
			slog.Info("[ACS] Media stream started",
				"call_id", t.callID,
				"encoding", sm.AudioMetadata.Encoding,
				"sample_rate", sm.AudioMetadata.SampleRate,
				"channels", sm.AudioMetadata.Channels,
			)
		}
		return Message{Event: &events.Event{Kind: events.KindMediaStarted, CallID: t.callID}}, true
	}

	slog.Debug("[ACS] Unhandled stream kind, ignoring", "call_id", t.callID, "kind", sm.Kind)
	return Message{}, false
}

// Write sends synthesized audio or a stop-audio barge-in signal to the
// call leg. Control events have no outbound wire representation here.
func (t *ACSTransport) Write(msg Message) error {
	var env outStreamMessage
	switch {
	case msg.Frame != nil:
		env = outStreamMessage{
			Kind:      kindAudioData,
			AudioData: &outAudioData{Data: base64.StdEncoding.EncodeToString(msg.Frame.Payload)},
		}
	case msg.Stop:
		env = outStreamMessage{
			Kind:      "StopAudio",
			StopAudio: &struct{}{},
		}
	default:
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close releases the connection. Safe to invoke twice.
func (t *ACSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = t.conn.Close()
	})
	return nil
}
