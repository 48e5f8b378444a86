package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deshneni-akhil/call-auomation-server/internal/events"
	"github.com/deshneni-akhil/call-auomation-server/internal/media"
)

// RealtimeConfig holds the AI backend connection settings, supplied by
// the configuration collaborator at session-creation time.
type RealtimeConfig struct {
	Endpoint     string // https://<resource-host>
	Deployment   string
	APIVersion   string
	APIKey       string
	Voice        string
	Instructions string

	// Greeting is handed to the model as the opening user turn once the
	// session settings are accepted, so the assistant speaks first
	// instead of holding silence until the caller does. Empty disables
	// the opening response.
	Greeting string

	// HandshakeTimeout bounds the WebSocket dial. An open call cannot
	// wait unboundedly for the backend.
	HandshakeTimeout time.Duration
}

// Connector dials realtime sessions against one configured backend.
type Connector struct {
	cfg RealtimeConfig
}

// NewConnector creates a connector for the realtime AI backend.
func NewConnector(cfg RealtimeConfig) *Connector {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &Connector{cfg: cfg}
}

// Connect opens a realtime session for a call. The returned transport is
// ready to relay; the session.update handshake completes in-band on the
// first server event.
func (c *Connector) Connect(ctx context.Context, callID string) (MediaTransport, error) {
	u, err := realtimeURL(c.cfg)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	header.Set("api-key", c.cfg.APIKey)

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime handshake rejected (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("realtime handshake: %w", err)
	}

	t := &RealtimeTransport{
		conn:   conn,
		callID: callID,
		cfg:    c.cfg,
		closed: make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go t.pingLoop()

	slog.Info("[Realtime] Session connected", "call_id", callID, "deployment", c.cfg.Deployment)
	return t, nil
}

// realtimeURL builds the wss endpoint URL from the configured https one.
func realtimeURL(cfg RealtimeConfig) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid realtime endpoint scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/openai/realtime"
	q := u.Query()
	q.Set("api-version", cfg.APIVersion)
	q.Set("deployment", cfg.Deployment)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RealtimeTransport is the AI leg: a dialed realtime WebSocket exchanging
// event-framed JSON with base64 PCM16 audio.
type RealtimeTransport struct {
	conn   *websocket.Conn
	callID string
	cfg    RealtimeConfig

	writeMu sync.Mutex
	seq     uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// serverEvent covers the realtime protocol fields this bridge reads.
type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// clientEvent covers the realtime protocol fields this bridge writes.
type clientEvent struct {
	Type    string            `json:"type"`
	Audio   string            `json:"audio,omitempty"`
	Session *sessionSettings  `json:"session,omitempty"`
	Item    *conversationItem `json:"item,omitempty"`
}

type sessionSettings struct {
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (t *RealtimeTransport) pingLoop() {
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

// Read blocks for the next synthesized audio frame or barge-in signal.
// Protocol events this bridge does not relay are absorbed here: the
// session.created event triggers the session.update reply, error events
// are logged and the stream continues.
func (t *RealtimeTransport) Read() (Message, error) {
	for {
		select {
		case <-t.closed:
			return Message{}, ErrClosed
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				return Message{}, ErrClosed
			default:
			}
			return Message{}, err
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("[Realtime] Malformed server event, ignoring", "call_id", t.callID, "error", err)
			continue
		}

		switch ev.Type {
		case "response.audio.delta":
			pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				slog.Warn("[Realtime] Undecodable audio delta, dropping frame", "call_id", t.callID, "error", err)
				continue
			}
			t.seq++
			return Message{Frame: &media.Frame{Payload: pcm, Seq: t.seq, Source: media.SourceAssistant}}, nil

		case "input_audio_buffer.speech_started":
			// Caller barge-in: the telephony side must clear queued playback.
			return Message{Stop: true}, nil

		case "session.created":
			if err := t.sendSessionUpdate(); err != nil {
				return Message{}, fmt.Errorf("session update: %w", err)
			}
			if err := t.sendGreeting(); err != nil {
				return Message{}, fmt.Errorf("greeting: %w", err)
			}

		case "error":
			if ev.Error != nil {
				slog.Warn("[Realtime] Server error event", "call_id", t.callID, "type", ev.Error.Type, "message", ev.Error.Message)
			}
		}
	}
}

// sendSessionUpdate applies the server-enforced session settings: server
// VAD turn detection, PCM16 on both directions, configured voice.
func (t *RealtimeTransport) sendSessionUpdate() error {
	return t.writeJSON(clientEvent{
		Type: "session.update",
		Session: &sessionSettings{
			TurnDetection:     &turnDetection{Type: "server_vad"},
			Voice:             t.cfg.Voice,
			Instructions:      t.cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	})
}

// sendGreeting seeds the conversation with the configured greeting prompt
// and asks for a response, so the caller hears the assistant first.
func (t *RealtimeTransport) sendGreeting() error {
	if t.cfg.Greeting == "" {
		return nil
	}
	err := t.writeJSON(clientEvent{
		Type: "conversation.item.create",
		Item: &conversationItem{
			Type: "message",
			Role: "user",
			Content: []itemContent{
				{Type: "input_text", Text: t.cfg.Greeting},
			},
		},
	})
	if err != nil {
		return err
	}
	return t.writeJSON(clientEvent{Type: "response.create"})
}

// Write sends caller audio or an interleaved control event to the backend.
func (t *RealtimeTransport) Write(msg Message) error {
	switch {
	case msg.Frame != nil:
		return t.writeJSON(clientEvent{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(msg.Frame.Payload),
		})
	case msg.Event != nil && msg.Event.Kind == events.KindDTMF:
		// DTMF has no audio representation worth synthesizing back; hand
		// it to the model as a user text item in stream order.
		return t.writeJSON(clientEvent{
			Type: "conversation.item.create",
			Item: &conversationItem{
				Type: "message",
				Role: "user",
				Content: []itemContent{
					{Type: "input_text", Text: fmt.Sprintf("The caller pressed the %c key.", msg.Event.Digit)},
				},
			},
		})
	}
	return nil
}

func (t *RealtimeTransport) writeJSON(ev clientEvent) error {
	data, err := json.Marshal(ev)
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
func (t *RealtimeTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = t.conn.Close()
	})
	return nil
}
