package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deshneni-akhil/call-auomation-server/internal/events"
	"github.com/deshneni-akhil/call-auomation-server/internal/media"
)

func TestRealtimeURL(t *testing.T) {
	u, err := realtimeURL(RealtimeConfig{
		Endpoint:   "https://myres.openai.azure.com",
		Deployment: "gpt-4o-realtime-preview",
		APIVersion: "2024-10-01-preview",
	})
	require.NoError(t, err)
	assert.Equal(t, "wss://myres.openai.azure.com/openai/realtime?api-version=2024-10-01-preview&deployment=gpt-4o-realtime-preview", u)

	u, err = realtimeURL(RealtimeConfig{Endpoint: "http://localhost:9000/", Deployment: "d", APIVersion: "v"})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9000/openai/realtime?api-version=v&deployment=d", u)

	_, err = realtimeURL(RealtimeConfig{Endpoint: "ftp://nope", Deployment: "d", APIVersion: "v"})
	assert.Error(t, err)
}

// fakeBackend is a scripted realtime server: it validates the handshake,
// emits session.created, and records every client event it receives.
type fakeBackend struct {
	srv      *httptest.Server
	received chan map[string]any
	send     chan string
	apiKeys  chan string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		received: make(chan map[string]any, 32),
		send:     make(chan string, 32),
		apiKeys:  make(chan string, 1),
	}

	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.apiKeys <- r.Header.Get("api-key")
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created","session":{"id":"sess-1"}}`)))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var ev map[string]any
				if json.Unmarshal(data, &ev) == nil {
					b.received <- ev
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case msg, ok := <-b.send:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case ev := <-b.received:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no client event received")
		return nil
	}
}

func connectBackend(t *testing.T, b *fakeBackend) MediaTransport {
	t.Helper()
	connector := NewConnector(RealtimeConfig{
		Endpoint:         b.srv.URL,
		Deployment:       "gpt-4o-realtime-preview",
		APIVersion:       "2024-10-01-preview",
		APIKey:           "secret-key",
		Voice:            "alloy",
		HandshakeTimeout: 2 * time.Second,
	})
	tr, err := connector.Connect(context.Background(), "call-1")
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestConnectorSendsAPIKeyAndSessionUpdate(t *testing.T) {
	backend := newFakeBackend(t)
	tr := connectBackend(t, backend)

	assert.Equal(t, "secret-key", <-backend.apiKeys)

	// The session.created event arrives on the first Read; the transport
	// answers it with the session configuration before returning audio.
	backend.send <- `{"type":"response.audio.delta","delta":"` + base64.StdEncoding.EncodeToString([]byte{1, 2}) + `"}`

	got, err := tr.Read()
	require.NoError(t, err)
	require.NotNil(t, got.Frame)

	update := backend.next(t)
	assert.Equal(t, "session.update", update["type"])
	sess, ok := update["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alloy", sess["voice"])
	assert.Equal(t, "pcm16", sess["input_audio_format"])
	assert.Equal(t, "pcm16", sess["output_audio_format"])
	td, ok := sess["turn_detection"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "server_vad", td["type"])
}

func TestConnectorGreetsAfterSessionUpdate(t *testing.T) {
	backend := newFakeBackend(t)
	connector := NewConnector(RealtimeConfig{
		Endpoint:         backend.srv.URL,
		Deployment:       "gpt-4o-realtime-preview",
		APIVersion:       "2024-10-01-preview",
		APIKey:           "secret-key",
		Voice:            "alloy",
		Greeting:         "Greet the caller and ask how you can help.",
		HandshakeTimeout: 2 * time.Second,
	})
	tr, err := connector.Connect(context.Background(), "call-1")
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	backend.send <- `{"type":"response.audio.delta","delta":"` + base64.StdEncoding.EncodeToString([]byte{1, 2}) + `"}`
	_, err = tr.Read()
	require.NoError(t, err)

	// The opening sequence after session.created: settings first, then
	// the greeting turn, then the response request.
	update := backend.next(t)
	assert.Equal(t, "session.update", update["type"])

	item := backend.next(t)
	require.Equal(t, "conversation.item.create", item["type"])
	msg, ok := item["item"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user", msg["role"])
	content, ok := msg["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	part, ok := content[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "input_text", part["type"])
	assert.Equal(t, "Greet the caller and ask how you can help.", part["text"])

	assert.Equal(t, "response.create", backend.next(t)["type"])
}

func TestRealtimeTransportReadsAudioDeltas(t *testing.T) {
	backend := newFakeBackend(t)
	tr := connectBackend(t, backend)

	pcm := []byte{1, 2, 3, 4}
	backend.send <- `{"type":"response.audio.delta","delta":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`

	got, err := tr.Read()
	require.NoError(t, err)
	require.NotNil(t, got.Frame)
	assert.Equal(t, pcm, got.Frame.Payload)
	assert.Equal(t, media.SourceAssistant, got.Frame.Source)
	assert.Equal(t, uint64(1), got.Frame.Seq)
}

func TestRealtimeTransportBargeIn(t *testing.T) {
	backend := newFakeBackend(t)
	tr := connectBackend(t, backend)

	backend.send <- `{"type":"input_audio_buffer.speech_started"}`

	got, err := tr.Read()
	require.NoError(t, err)
	assert.True(t, got.Stop)
	assert.Nil(t, got.Frame)
}

func TestRealtimeTransportSkipsNoise(t *testing.T) {
	backend := newFakeBackend(t)
	tr := connectBackend(t, backend)

	backend.send <- `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`
	backend.send <- `not json at all`
	backend.send <- `{"type":"response.audio_transcript.delta","delta":"hello"}`
	backend.send <- `{"type":"response.audio.delta","delta":"` + base64.StdEncoding.EncodeToString([]byte{5}) + `"}`

	got, err := tr.Read()
	require.NoError(t, err)
	require.NotNil(t, got.Frame)
	assert.Equal(t, []byte{5}, got.Frame.Payload)
}

func TestRealtimeTransportWritesCallerAudio(t *testing.T) {
	backend := newFakeBackend(t)
	tr := connectBackend(t, backend)

	payload := []byte{10, 11, 12}
	require.NoError(t, tr.Write(Message{Frame: &media.Frame{Payload: payload}}))

	ev := backend.next(t)
	assert.Equal(t, "input_audio_buffer.append", ev["type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), ev["audio"])
}

func TestRealtimeTransportWritesDTMFAsText(t *testing.T) {
	backend := newFakeBackend(t)
	tr := connectBackend(t, backend)

	require.NoError(t, tr.Write(Message{Event: &events.Event{Kind: events.KindDTMF, Digit: '7'}}))

	ev := backend.next(t)
	require.Equal(t, "conversation.item.create", ev["type"])
	item, ok := ev["item"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "message", item["type"])
	assert.Equal(t, "user", item["role"])
	content, ok := item["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	first, ok := content[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "input_text", first["type"])
	assert.Contains(t, first["text"], "7")
}

func TestRealtimeTransportCloseIdempotent(t *testing.T) {
	backend := newFakeBackend(t)
	tr := connectBackend(t, backend)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Write(Message{Frame: &media.Frame{Payload: []byte{1, 2}}}), ErrClosed)
	_, err := tr.Read()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnectorRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	connector := NewConnector(RealtimeConfig{
		Endpoint:         srv.URL,
		Deployment:       "d",
		APIVersion:       "v",
		APIKey:           "bad-key",
		HandshakeTimeout: time.Second,
	})
	_, err := connector.Connect(context.Background(), "call-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
