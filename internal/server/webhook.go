package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deshneni-akhil/call-auomation-server/internal/callcontrol"
	"github.com/deshneni-akhil/call-auomation-server/internal/events"
	"github.com/deshneni-akhil/call-auomation-server/internal/session"
)

const (
	typeSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	typeIncomingCall           = "Microsoft.Communication.IncomingCall"
)

// gridEvent is the event-grid envelope posted to the incoming call
// endpoint. The grid and cloud schemas name the type field differently,
// so both spellings are accepted.
type gridEvent struct {
	EventType string          `json:"eventType"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

func (e gridEvent) kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.Type
}

type validationData struct {
	ValidationCode string `json:"validationCode"`
}

type incomingCallData struct {
	IncomingCallContext string `json:"incomingCallContext"`
	From                struct {
		RawID string `json:"rawId"`
	} `json:"from"`
}

// handleIncomingCall answers subscription validation handshakes and new
// inbound calls. Each answered call is registered before the response is
// written, so its callbacks and media leg always find a session.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	var envelopes []gridEvent
	if err := json.Unmarshal(body, &envelopes); err != nil {
		slog.Warn("[Server] Malformed incoming call payload", "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	for _, env := range envelopes {
		switch env.kind() {
		case typeSubscriptionValidation:
			var data validationData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				slog.Warn("[Server] Malformed validation event", "error", err)
				continue
			}
			slog.Info("[Server] Answering subscription validation")
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"validationResponse": data.ValidationCode})
			return

		case typeIncomingCall:
			var data incomingCallData
			if err := json.Unmarshal(env.Data, &data); err != nil || data.IncomingCallContext == "" {
				slog.Warn("[Server] Malformed incoming call event", "error", err)
				continue
			}
			s.answerIncomingCall(w, r, data)
			return

		default:
			slog.Debug("[Server] Ignoring grid event", "type", env.kind())
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) answerIncomingCall(w http.ResponseWriter, r *http.Request, data incomingCallData) {
	contextID := uuid.NewString()
	callbackURI := externalHTTP(s.cfg.CallbackHost) + "/api/callbacks/" + contextID
	transportURL := externalWS(s.cfg.CallbackHost) + "/ws/media?ctx=" + contextID

	// The answered rate must match what the codec expects, or every
	// frame is resampled from the wrong base with no error anywhere.
	audioFormat, err := callcontrol.StreamingAudioFormat(s.cfg.TelephonySampleRate)
	if err != nil {
		slog.Error("[Server] No streaming format for configured rate", "rate", s.cfg.TelephonySampleRate)
		http.Error(w, "unsupported media format", http.StatusInternalServerError)
		return
	}

	callID, err := s.answerer.AnswerCall(r.Context(), callcontrol.AnswerRequest{
		IncomingCallContext: data.IncomingCallContext,
		CallbackURI:         callbackURI,
		TransportURL:        transportURL,
		AudioFormat:         audioFormat,
	})
	if err != nil {
		slog.Error("[Server] Answer failed", "caller", data.From.RawID, "error", err)
		http.Error(w, "answer failed", http.StatusBadGateway)
		return
	}

	if _, err := s.registry.Register(callID, data.From.RawID); err != nil {
		slog.Error("[Server] Session registration failed", "call_id", callID, "error", err)
		http.Error(w, "registration failed", http.StatusConflict)
		return
	}
	s.bindContext(contextID, callID)

	slog.Info("[Server] Call answered", "call_id", callID, "caller", data.From.RawID, "context_id", contextID)
	w.WriteHeader(http.StatusOK)
}

// handleCallbacks applies mid-call provider events to the session. The
// endpoint always returns 200: the provider retries non-2xx responses
// and there is nothing a retry would fix here.
func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, ev := range events.DecodeCallbacks(body) {
		s.applyCallback(r, contextID, ev)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) applyCallback(r *http.Request, contextID string, ev events.Event) {
	sess, err := s.registry.Lookup(ev.CallID)
	if err != nil {
		slog.Warn("[Server] Callback for unknown call", "call_id", ev.CallID, "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case events.KindConnected:
		slog.Info("[Server] Call connected", "call_id", ev.CallID, "context_id", contextID)
		sess.Touch()

	case events.KindMediaStarted:
		slog.Info("[Server] Media streaming started", "call_id", ev.CallID)
		sess.Touch()

	case events.KindMediaStopped:
		slog.Info("[Server] Media streaming stopped", "call_id", ev.CallID)
		if err := sess.MarkDraining(); err != nil {
			slog.Debug("[Server] Media stop on non-bridging session", "call_id", ev.CallID, "state", sess.State())
		}

	case events.KindDisconnected:
		slog.Info("[Server] Call disconnected", "call_id", ev.CallID)
		if sess.State() == session.StatePending {
			// The caller gave up before the media leg arrived; no relay
			// will ever own this session, so it is torn down here.
			_ = sess.MarkClosed()
			s.dropContext(ev.CallID)
			if err := s.registry.Unregister(ev.CallID); err != nil {
				slog.Warn("[Server] Unregister failed", "call_id", ev.CallID, "error", err)
			}
			return
		}
		if err := sess.MarkDraining(); err != nil {
			slog.Debug("[Server] Disconnect on non-bridging session", "call_id", ev.CallID, "state", sess.State())
		}

	case events.KindDTMF:
		// Tones also arrive in-band on the media stream, which is the
		// relay path; the callback copy is only logged.
		slog.Debug("[Server] DTMF callback", "call_id", ev.CallID, "digit", string(ev.Digit))
		sess.Touch()
	}
}
