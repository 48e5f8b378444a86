package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCallbacks(t *testing.T) {
	body := []byte(`[
		{"type": "Microsoft.Communication.CallConnected", "data": {"callConnectionId": "call-1"}},
		{"type": "Microsoft.Communication.MediaStreamingStarted", "data": {"callConnectionId": "call-1"}},
		{"type": "Microsoft.Communication.DtmfToneReceived", "data": {"callConnectionId": "call-1", "tone": "five"}},
		{"type": "Microsoft.Communication.MediaStreamingStopped", "data": {"callConnectionId": "call-1"}},
		{"type": "Microsoft.Communication.CallDisconnected", "data": {"callConnectionId": "call-1"}}
	]`)

	events := DecodeCallbacks(body)
	require.Len(t, events, 5)

	assert.Equal(t, KindConnected, events[0].Kind)
	assert.Equal(t, KindMediaStarted, events[1].Kind)
	assert.Equal(t, KindDTMF, events[2].Kind)
	assert.Equal(t, '5', events[2].Digit)
	assert.Equal(t, KindMediaStopped, events[3].Kind)
	assert.Equal(t, KindDisconnected, events[4].Kind)
	for _, ev := range events {
		assert.Equal(t, "call-1", ev.CallID)
	}
}

func TestDecodeCallbacksSkipsMalformed(t *testing.T) {
	body := []byte(`[
		{"type": "Microsoft.Communication.CallConnected", "data": "not-an-object"},
		{"type": "Microsoft.Communication.CallConnected", "data": {}},
		{"type": "Microsoft.Communication.ParticipantsUpdated", "data": {"callConnectionId": "call-1"}},
		{"type": "Microsoft.Communication.DtmfToneReceived", "data": {"callConnectionId": "call-1", "tone": "flat"}},
		{"type": "Microsoft.Communication.CallDisconnected", "data": {"callConnectionId": "call-2"}}
	]`)

	events := DecodeCallbacks(body)
	require.Len(t, events, 1)
	assert.Equal(t, KindDisconnected, events[0].Kind)
	assert.Equal(t, "call-2", events[0].CallID)
}

func TestDecodeCallbacksMalformedBody(t *testing.T) {
	assert.Nil(t, DecodeCallbacks([]byte(`{not json`)))
	assert.Nil(t, DecodeCallbacks([]byte(`{"type": "x"}`)))
	assert.Nil(t, DecodeCallbacks([]byte(`[]`)))
}

func TestToneToDigit(t *testing.T) {
	tests := []struct {
		tone string
		want rune
		ok   bool
	}{
		{"zero", '0', true},
		{"one", '1', true},
		{"nine", '9', true},
		{"asterisk", '*', true},
		{"pound", '#', true},
		{"a", 'A', true},
		{"D", 'D', true},
		{"ten", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ToneToDigit(tt.tone)
		assert.Equal(t, tt.ok, ok, tt.tone)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.tone)
		}
	}
}

func TestIsDigit(t *testing.T) {
	for _, r := range "0123456789*#ABCD" {
		assert.True(t, IsDigit(r), string(r))
	}
	for _, r := range "abcdE !-" {
		assert.False(t, IsDigit(r), string(r))
	}
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "Connected call=c1", Event{Kind: KindConnected, CallID: "c1"}.String())
	assert.Equal(t, "DTMF '7' call=c1", Event{Kind: KindDTMF, CallID: "c1", Digit: '7'}.String())
}
