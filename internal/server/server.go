// Package server exposes the HTTP surface of the bridge: the incoming
// call webhook, per-call provider callbacks, the media WebSocket and a
// health probe.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/deshneni-akhil/call-auomation-server/internal/callcontrol"
	"github.com/deshneni-akhil/call-auomation-server/internal/config"
	"github.com/deshneni-akhil/call-auomation-server/internal/session"
	"github.com/deshneni-akhil/call-auomation-server/internal/transport"
)

// CallAnswerer is the control-plane dependency of the webhook handlers.
// Implemented by callcontrol.Client.
type CallAnswerer interface {
	AnswerCall(ctx context.Context, req callcontrol.AnswerRequest) (string, error)
}

// Bridger runs the media relay for an accepted call leg. Implemented by
// relay.Bridge.
type Bridger interface {
	Run(ctx context.Context, sess *session.Session, telephony transport.MediaTransport) error
}

// Server wires the HTTP routes to the registry, control plane and relay.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	answerer CallAnswerer
	bridge   Bridger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// The media WebSocket URL cannot carry the call connection id: the
	// provider opens it before the callback naming the call arrives. Each
	// answered call gets a private context id in its transport URL, mapped
	// here until the media leg shows up.
	ctxMu        sync.Mutex
	contexts     map[string]string // context id -> call connection id
	callContexts map[string]string // call connection id -> context id
}

// New builds the server. Routes are registered at Start.
func New(cfg *config.Config, registry *session.Registry, answerer CallAnswerer, bridge Bridger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		answerer: answerer,
		bridge:   bridge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The provider dials from its own infrastructure, not a browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		contexts:     make(map[string]string),
		callContexts: make(map[string]string),
	}
}

// Router returns the chi route tree. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/api/incomingCall", s.handleIncomingCall)
	r.Post("/api/callbacks/{contextID}", s.handleCallbacks)
	r.Get("/ws/media", s.handleMedia)

	return r
}

// Start runs the HTTP listener until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.HTTPPort)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("[Server] Listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.registry.Count())
}

// handleMedia accepts the provider's media streaming WebSocket, resolves
// which call it belongs to and hands the leg to the relay. The handler
// blocks for the life of the call.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	contextID := r.URL.Query().Get("ctx")
	callID, ok := s.resolveContext(contextID)
	if !ok {
		slog.Warn("[Server] Media connection for unknown context", "context_id", contextID)
		http.Error(w, "unknown media context", http.StatusNotFound)
		return
	}

	sess, err := s.registry.Lookup(callID)
	if err != nil {
		slog.Warn("[Server] Media connection for unknown call", "call_id", callID)
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[Server] Media upgrade failed", "call_id", callID, "error", err)
		return
	}

	telephony := transport.NewACSTransport(conn, callID)
	if err := s.bridge.Run(r.Context(), sess, telephony); err != nil {
		slog.Error("[Server] Bridge ended with error", "call_id", callID, "error", err)
	}

	s.dropContext(callID)
	if err := s.registry.Unregister(callID); err != nil {
		slog.Warn("[Server] Unregister failed", "call_id", callID, "error", err)
	}
}

// bindContext records the transport-URL context for an answered call.
func (s *Server) bindContext(contextID, callID string) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	s.contexts[contextID] = callID
	s.callContexts[callID] = contextID
}

func (s *Server) resolveContext(contextID string) (string, bool) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	callID, ok := s.contexts[contextID]
	return callID, ok
}

func (s *Server) dropContext(callID string) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	if contextID, ok := s.callContexts[callID]; ok {
		delete(s.contexts, contextID)
		delete(s.callContexts, callID)
	}
}

// externalWS converts the configured callback host to its WebSocket form.
func externalWS(host string) string {
	switch {
	case strings.HasPrefix(host, "https://"):
		return "wss://" + strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		return "ws://" + strings.TrimPrefix(host, "http://")
	default:
		return "wss://" + host
	}
}

// externalHTTP normalizes the configured callback host to a base URL.
func externalHTTP(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}
