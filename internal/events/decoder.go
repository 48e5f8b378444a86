package events

import (
	"encoding/json"
	"log/slog"
)

// Provider callback event types (CloudEvent "type" field).
const (
	TypeCallConnected         = "Microsoft.Communication.CallConnected"
	TypeCallDisconnected      = "Microsoft.Communication.CallDisconnected"
	TypeMediaStreamingStarted = "Microsoft.Communication.MediaStreamingStarted"
	TypeMediaStreamingStopped = "Microsoft.Communication.MediaStreamingStopped"
	TypeDtmfToneReceived      = "Microsoft.Communication.DtmfToneReceived"
)

// cloudEvent is the envelope the provider posts to the callback endpoint.
type cloudEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type callbackData struct {
	CallConnectionID string `json:"callConnectionId"`
	Tone             string `json:"tone"`
}

// DecodeCallbacks parses a callback request body (a JSON array of
// CloudEvents) into call events. Malformed or unrecognized entries are
// logged and skipped; the decoder never fails the whole batch, since the
// provider may emit event types this system does not act on.
func DecodeCallbacks(body []byte) []Event {
	var envelopes []cloudEvent
	if err := json.Unmarshal(body, &envelopes); err != nil {
		slog.Warn("[Events] Malformed callback body, ignoring", "error", err)
		return nil
	}

	var out []Event
	for _, env := range envelopes {
		ev, ok := decodeCallback(env)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func decodeCallback(env cloudEvent) (Event, bool) {
	var data callbackData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		slog.Warn("[Events] Malformed callback data, ignoring", "type", env.Type, "error", err)
		return Event{}, false
	}
	if data.CallConnectionID == "" {
		slog.Warn("[Events] Callback without call connection id, ignoring", "type", env.Type)
		return Event{}, false
	}

	switch env.Type {
	case TypeCallConnected:
		return Event{Kind: KindConnected, CallID: data.CallConnectionID}, true
	case TypeCallDisconnected:
		return Event{Kind: KindDisconnected, CallID: data.CallConnectionID}, true
	case TypeMediaStreamingStarted:
		return Event{Kind: KindMediaStarted, CallID: data.CallConnectionID}, true
	case TypeMediaStreamingStopped:
		return Event{Kind: KindMediaStopped, CallID: data.CallConnectionID}, true
	case TypeDtmfToneReceived:
		digit, ok := ToneToDigit(data.Tone)
		if !ok {
			slog.Warn("[Events] Unrecognized DTMF tone, ignoring", "tone", data.Tone, "call_id", data.CallConnectionID)
			return Event{}, false
		}
		return Event{Kind: KindDTMF, CallID: data.CallConnectionID, Digit: digit}, true
	}

	slog.Debug("[Events] Unhandled callback type, ignoring", "type", env.Type)
	return Event{}, false
}
