package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/trackd/internal/hub"
	"github.com/shaunagostinho/trackd/internal/session"
)

// Tracker is the session control surface the server drives.
// *session.Session satisfies it.
type Tracker interface {
	Start(ctx context.Context, interval time.Duration) error
	Stop(ctx context.Context) error
	Status() session.Status
	Errors() <-chan error
}

// History is the read side of the sample log.
type History interface {
	ReadAll() ([]string, error)
	Clear() error
}

// Server exposes the tracking session over HTTP and streams hub updates to
// WebSocket clients.
type Server struct {
	cfg     *Config
	tracker Tracker
	history History
	hub     *hub.Hub

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Tracking *bool   `json:"tracking,omitempty"`
	Latest   *hub.Fix `json:"latest,omitempty"`
	Warning  string  `json:"warning,omitempty"`
	Stamp    int64   `json:"stamp"` // Unix ms
}

type startRequest struct {
	IntervalMs int64  `json:"intervalMs"`
	Profile    string `json:"profile"`
}

type trackingResponse struct {
	Session session.Status `json:"session"`
	Latest  *hub.Fix       `json:"latest"`
}

// New creates a new Server.
func New(cfg *Config, tracker Tracker, history History, h *hub.Hub) *Server {
	return &Server{
		cfg:     cfg,
		tracker: tracker,
		history: history,
		hub:     h,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tracking", s.handleTracking).Methods(http.MethodGet)
	api.HandleFunc("/tracking/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/tracking/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleClearHistory).Methods(http.MethodDelete)
	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleUpdateConfig).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.handleWS)
	return r
}

// Run starts the HTTP server and the hub relay. It returns once ctx is done
// and the server has shut down.
func (s *Server) Run(ctx context.Context) error {
	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go s.relay(ctx)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// relay forwards hub changes and asynchronous session errors to every
// WebSocket client until ctx is done.
func (s *Server) relay(ctx context.Context) {
	tracking := s.hub.Tracking.Subscribe()
	defer tracking.Close()
	latest := s.hub.Latest.Subscribe()
	defer latest.Close()
	errs := s.tracker.Errors()

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-tracking.C:
			s.broadcast(Frame{Tracking: &v, Stamp: time.Now().UnixMilli()})
		case fix := <-latest.C:
			s.broadcast(Frame{Latest: &fix, Stamp: time.Now().UnixMilli()})
		case err := <-errs:
			s.broadcast(Frame{Warning: err.Error(), Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	resp := trackingResponse{Session: s.tracker.Status()}
	if fix, ok := s.hub.Latest.Get(); ok {
		resp.Latest = &fix
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	interval := time.Duration(req.IntervalMs) * time.Millisecond
	if req.IntervalMs <= 0 {
		var err error
		if interval, err = s.cfg.Interval(req.Profile); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := s.tracker.Start(r.Context(), interval); err != nil {
		http.Error(w, err.Error(), startStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Status())
}

// startStatus maps a Start failure to an HTTP status code.
func startStatus(err error) int {
	switch {
	case session.IsKind(err, session.AuthorizationDenied):
		return http.StatusForbidden
	case session.IsKind(err, session.GuardUnavailable), errors.Is(err, session.ErrStopped):
		return http.StatusConflict
	case session.IsKind(err, session.SubscribeFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.Stop(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	lines, err := s.history.ReadAll()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Clear(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Save(); err != nil {
		log.Printf("[config] save failed: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Snapshot and register under one lock so no broadcast can fall between
	// the initial frame and the client joining.
	s.clientsMu.Lock()
	tracking := s.hub.IsTracking()
	initial := Frame{Tracking: &tracking, Stamp: time.Now().UnixMilli()}
	if fix, ok := s.hub.Latest.Get(); ok {
		initial.Latest = &fix
	}
	if data, err := json.Marshal(initial); err == nil {
		client.send <- data
	}
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive and disconnect detection)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
