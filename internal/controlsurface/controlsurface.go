// Package controlsurface exposes the orchestrator's loopback-only HTTP
// control endpoints: health, open-terminal, an env-gated terminal-send
// test hook, and an optional local debug broadcast over WebSocket.
//
// Routed with github.com/gorilla/mux rather than a hand-rolled TCP
// request-line parser. The broadcast endpoint streams the coalescer's
// output over github.com/gorilla/websocket as a local debug feed, not a
// terminal-rendering surface.
package controlsurface

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	readTimeout     = 2 * time.Second
	maxRequestBytes = 8 * 1024

	envEnableTerminalSend = "NAGOMI_ENABLE_TEST_ENDPOINTS"
	envEnableBroadcast    = "NAGOMI_ENABLE_TERMINAL_OUTPUT_BROADCAST"
)

// Registry is the subset of *registry.Registry the control surface needs,
// kept as an interface so handlers are testable without real supervisors.
type Registry interface {
	StartTerminalSession(sessionID string, cols, rows uint16) error
	TerminalSendInput(sessionID, text string) error
	IsActive(sessionID string) bool
	LabelTaken(label string) bool
}

// SessionIDFunc allocates a session id when /open-terminal is called
// without one, or with one that collides with a registered label.
type SessionIDFunc func() string

// Server wires the loopback control surface.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader

	broadcastMu   sync.Mutex
	broadcastSubs map[*websocket.Conn]struct{}
}

// Deps groups the Server's collaborators.
type Deps struct {
	Registry  Registry
	NewID     SessionIDFunc
	Logger    *slog.Logger
	Addr      string // host:port, e.g. "127.0.0.1:17707"
	Pid       int
}

// New builds an http.Server wired with the control surface routes. Call
// ListenAndServe to start it.
func New(deps Deps) *Server {
	s := &Server{
		upgrader:      websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		broadcastSubs: make(map[*websocket.Conn]struct{}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth(deps)).Methods(http.MethodGet)
	router.HandleFunc("/open-terminal", s.handleOpenTerminal(deps)).Methods(http.MethodGet)
	router.HandleFunc("/terminal-send", s.handleTerminalSend(deps)).Methods(http.MethodGet)
	router.HandleFunc("/events", s.handleEvents(deps)).Methods(http.MethodGet)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
	})

	s.httpServer = &http.Server{
		Addr:        deps.Addr,
		Handler:     http.MaxBytesHandler(router, maxRequestBytes),
		ReadTimeout: readTimeout,
	}
	return s
}

// Handler exposes the routed handler directly, for tests using
// httptest.NewServer without binding a real loopback port.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe starts serving on the configured address. It blocks
// until the server stops or errors.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Close shuts down the HTTP server and any open broadcast connections.
func (s *Server) Close() error {
	s.broadcastMu.Lock()
	for conn := range s.broadcastSubs {
		conn.Close()
	}
	s.broadcastSubs = make(map[*websocket.Conn]struct{})
	s.broadcastMu.Unlock()
	return s.httpServer.Close()
}

// BroadcastOutput is the Sink.Broadcast hook a coalescer can be wired to:
// every subscribed /events connection receives the chunk as a JSON frame.
func (s *Server) BroadcastOutput(sessionID, stream, chunk string) {
	frame, err := json.Marshal(struct {
		SessionID string `json:"session_id"`
		Stream    string `json:"stream"`
		Chunk     string `json:"chunk"`
	}{sessionID, stream, chunk})
	if err != nil {
		return
	}

	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()
	for conn := range s.broadcastSubs {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			conn.Close()
			delete(s.broadcastSubs, conn)
		}
	}
}

func (s *Server) handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pid": deps.Pid})
	}
}

const (
	defaultCols uint16 = 80
	defaultRows uint16 = 24
)

func (s *Server) handleOpenTerminal(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" || deps.Registry.LabelTaken(sessionID) {
			sessionID = deps.NewID()
		}
		cols, rows := queryDimensions(r)
		if err := deps.Registry.StartTerminalSession(sessionID, cols, rows); err != nil {
			if deps.Logger != nil {
				deps.Logger.Warn("open-terminal start failed", "session_id", sessionID, "error", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "session_id": sessionID})
	}
}

// queryDimensions reads optional "cols"/"rows" query parameters — the
// launcher populates these from the invoking terminal's actual size
// (see cmd/nagomi) — falling back to a sane default for callers (e.g.
// /terminal-send tests) that don't know a real terminal size.
func queryDimensions(r *http.Request) (uint16, uint16) {
	cols, rows := defaultCols, defaultRows
	if v, err := strconv.ParseUint(r.URL.Query().Get("cols"), 10, 16); err == nil && v > 0 {
		cols = uint16(v)
	}
	if v, err := strconv.ParseUint(r.URL.Query().Get("rows"), 10, 16); err == nil && v > 0 {
		rows = uint16(v)
	}
	return cols, rows
}

func (s *Server) handleTerminalSend(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv(envEnableTerminalSend) == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"status": "forbidden"})
			return
		}

		sessionID := r.URL.Query().Get("session_id")
		text := r.URL.Query().Get("text")

		if sessionID == "" || !deps.Registry.IsActive(sessionID) {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
			return
		}

		if err := deps.Registry.TerminalSendInput(sessionID, text); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv(envEnableBroadcast) == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"status": "forbidden"})
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		connID := uuid.New().String()
		if deps.Logger != nil {
			deps.Logger.Info("events subscriber connected", "connection_id", connID)
		}

		s.broadcastMu.Lock()
		s.broadcastSubs[conn] = struct{}{}
		s.broadcastMu.Unlock()

		// Drain and discard inbound frames until the client disconnects;
		// this is a write-only broadcast feed.
		go func() {
			defer func() {
				s.broadcastMu.Lock()
				delete(s.broadcastSubs, conn)
				s.broadcastMu.Unlock()
				conn.Close()
				if deps.Logger != nil {
					deps.Logger.Info("events subscriber disconnected", "connection_id", connID)
				}
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
