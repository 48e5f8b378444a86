package transport

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deshneni-akhil/call-auomation-server/internal/events"
	"github.com/deshneni-akhil/call-auomation-server/internal/media"
)

// wsPair returns an accepted server-side connection wrapped in the
// transport under test, and the raw client side playing the provider.
func wsPair(t *testing.T) (*ACSTransport, *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	tr := NewACSTransport(<-accepted, "call-1")
	t.Cleanup(func() { tr.Close() })
	return tr, client
}

func TestACSTransportReadsAudioFrames(t *testing.T) {
	tr, client := wsPair(t)

	payload := []byte{1, 2, 3, 4}
	msg := `{"kind":"AudioData","audioData":{"data":"` + base64.StdEncoding.EncodeToString(payload) + `","timestamp":"2026-08-29T10:00:00Z","silent":false}}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(msg)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(msg)))

	got, err := tr.Read()
	require.NoError(t, err)
	require.NotNil(t, got.Frame)
	assert.Equal(t, payload, got.Frame.Payload)
	assert.Equal(t, uint64(1), got.Frame.Seq)
	assert.Equal(t, media.SourceTelephony, got.Frame.Source)

	got, err = tr.Read()
	require.NoError(t, err)
	require.NotNil(t, got.Frame)
	assert.Equal(t, uint64(2), got.Frame.Seq)
}

func TestACSTransportReadsMetadataOnce(t *testing.T) {
	tr, client := wsPair(t)

	meta := `{"kind":"AudioMetadata","audioMetadata":{"subscriptionId":"sub-1","encoding":"PCM","sampleRate":16000,"channels":1}}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(meta)))

	got, err := tr.Read()
	require.NoError(t, err)
	require.NotNil(t, got.Event)
	assert.Equal(t, events.KindMediaStarted, got.Event.Kind)
	assert.Equal(t, "call-1", got.Event.CallID)

	// A repeated metadata message is absorbed; the next delivered
	// message is the audio behind it.
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(meta)))
	audio := `{"kind":"AudioData","audioData":{"data":"` + base64.StdEncoding.EncodeToString([]byte{9, 9}) + `"}}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(audio)))

	got, err = tr.Read()
	require.NoError(t, err)
	assert.NotNil(t, got.Frame)
}

func TestACSTransportReadsDTMF(t *testing.T) {
	tr, client := wsPair(t)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"kind":"DtmfData","dtmfData":{"data":"5"}}`)))

	got, err := tr.Read()
	require.NoError(t, err)
	require.NotNil(t, got.Event)
	assert.Equal(t, events.KindDTMF, got.Event.Kind)
	assert.Equal(t, '5', got.Event.Digit)
}

func TestACSTransportSkipsMalformed(t *testing.T) {
	tr, client := wsPair(t)

	for _, bad := range []string{
		`{not json`,
		`{"kind":"AudioData"}`,
		`{"kind":"AudioData","audioData":{"data":"!!!not-base64!!!"}}`,
		`{"kind":"DtmfData","dtmfData":{"data":""}}`,
		`{"kind":"DtmfData","dtmfData":{"data":"x"}}`,
		`{"kind":"TranscriptionData","transcriptionData":{}}`,
	} {
		require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(bad)))
	}
	good := `{"kind":"AudioData","audioData":{"data":"` + base64.StdEncoding.EncodeToString([]byte{7, 7}) + `"}}`
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(good)))

	got, err := tr.Read()
	require.NoError(t, err)
	require.NotNil(t, got.Frame)
	assert.Equal(t, []byte{7, 7}, got.Frame.Payload)
	assert.Equal(t, uint64(1), got.Frame.Seq, "dropped frames must not consume sequence numbers")
}

func TestACSTransportWritesAudioEnvelope(t *testing.T) {
	tr, client := wsPair(t)

	payload := []byte{10, 20, 30}
	require.NoError(t, tr.Write(Message{Frame: &media.Frame{Payload: payload}}))

	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Kind      string `json:"Kind"`
		AudioData *struct {
			Data string `json:"Data"`
		} `json:"AudioData"`
		StopAudio json.RawMessage `json:"StopAudio"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "AudioData", env.Kind)
	require.NotNil(t, env.AudioData)
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), env.AudioData.Data)
	assert.Equal(t, "null", string(env.StopAudio))

	// Wire casing matters: the provider rejects lowercase keys outbound.
	assert.Contains(t, string(data), `"Kind"`)
	assert.Contains(t, string(data), `"Data"`)
}

func TestACSTransportWritesStopAudio(t *testing.T) {
	tr, client := wsPair(t)

	require.NoError(t, tr.Write(Message{Stop: true}))

	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Kind      string          `json:"Kind"`
		AudioData json.RawMessage `json:"AudioData"`
		StopAudio json.RawMessage `json:"StopAudio"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "StopAudio", env.Kind)
	assert.Equal(t, "null", string(env.AudioData))
	assert.Equal(t, "{}", string(env.StopAudio))
}

func TestACSTransportEventWriteIsNoop(t *testing.T) {
	tr, client := wsPair(t)

	require.NoError(t, tr.Write(Message{Event: &events.Event{Kind: events.KindDTMF, Digit: '1'}}))
	require.NoError(t, tr.Write(Message{Stop: true}))

	// Only the stop envelope hits the wire.
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "StopAudio")
}

func TestACSTransportCloseIdempotent(t *testing.T) {
	tr, _ := wsPair(t)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Read()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.Write(Message{Stop: true}), ErrClosed)
}

func TestACSTransportReadErrorOnPeerClose(t *testing.T) {
	tr, client := wsPair(t)

	require.NoError(t, client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second)))
	client.Close()

	_, err := tr.Read()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrClosed)
}
