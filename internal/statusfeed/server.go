// Package statusfeed serves the local status surface for the driver UI.
//
// The feed broadcasts engine events over WebSocket, answers snapshot
// queries over HTTP, and accepts manual conflict decisions back from the
// UI. It binds to loopback: this is an on-device surface, not a remote
// API.
package statusfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/cheez95/driversync/internal/model"
)

// Snapshot is the full status answer for GET /status and for the
// welcome frame of each new WebSocket client.
type Snapshot struct {
	EngineState   string                        `json:"engine_state"`
	Online        bool                          `json:"online"`
	PendingCount  int                           `json:"pending_count"`
	DeadActions   []model.QueuedAction          `json:"dead_actions,omitempty"`
	ManualEntries []model.ManualResolutionEntry `json:"manual_entries,omitempty"`
	Cursor        model.SyncCursor              `json:"cursor"`
	UsageBytes    int64                         `json:"usage_bytes"`
	QuotaBytes    int64                         `json:"quota_bytes"`
}

// Message is one feed frame.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decision is the request body for POST /resolutions/{id}.
type Decision struct {
	// Choice is "keep_local" or "discard".
	Choice string `json:"choice"`
}

// SnapshotFunc assembles the current status snapshot.
type SnapshotFunc func(ctx context.Context) (*Snapshot, error)

// ResolveFunc applies a manual conflict decision.
type ResolveFunc func(ctx context.Context, id string, keepLocal bool) error

// Hooks wires the feed's inbound endpoints into the rest of the daemon.
// Snapshot is required; nil hooks disable their endpoint.
type Hooks struct {
	Snapshot SnapshotFunc
	Resolve  ResolveFunc

	// ReportLocation receives GPS fixes pushed by the platform shell.
	ReportLocation func(sample model.LocationSample)

	// ConnectivityHint receives platform online/offline hints.
	ConnectivityHint func(online bool)

	// PowerHint receives platform battery-state hints. Low battery
	// widens the GPS cadence and demotes automatic rounds to
	// background ones that defer trail upload.
	PowerHint func(lowBattery bool)

	// TriggerSync requests a sync round on the driver's behalf.
	TriggerSync func(reason string)
}

// Config holds feed server configuration.
type Config struct {
	// Port to listen on; the bind address is always 127.0.0.1.
	Port int

	// Logger for server activity.
	Logger *zap.SugaredLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   7411,
		Logger: zap.NewNop().Sugar(),
	}
}

// Server manages WebSocket clients and the status HTTP endpoints.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	hooks Hooks

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

// NewServer creates a status feed server.
func NewServer(hooks Hooks, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", config.Port),
		hooks:     hooks,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/resolutions/", s.handleResolution)
	mux.HandleFunc("/locations", s.handleLocation)
	mux.HandleFunc("/connectivity", s.handleConnectivity)
	mux.HandleFunc("/power", s.handlePower)
	mux.HandleFunc("/sync", s.handleSync)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infow("status feed listening", "addr", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("status feed server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("status feed shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast queues a frame for every connected client. Never blocks; a
// full channel drops the frame since the UI can always re-query /status.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warnw("broadcast channel full, dropping frame", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Errorw("failed to marshal frame", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so one stalled client
			// cannot block broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // loopback only; the bind addr is the boundary
	})
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debugw("feed client connected", "total", count)

	// Welcome frame carries a full snapshot so the client needs no
	// separate /status round-trip.
	if snap, err := s.hooks.Snapshot(r.Context()); err == nil {
		if data, err := json.Marshal(snap); err == nil {
			msg := Message{Type: "snapshot", Timestamp: time.Now(), Data: data}
			frame, _ := json.Marshal(msg)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, frame)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop drains client frames to detect disconnects; the feed is
// one-way and client payloads are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debugw("feed client disconnected", "total", count)
		return
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	count := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": count,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.hooks.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// handleResolution applies a driver's decision on a manual conflict:
// POST /resolutions/{id} with {"choice": "keep_local"} or "discard".
func (s *Server) handleResolution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/resolutions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "missing resolution id", http.StatusBadRequest)
		return
	}

	var decision Decision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var keepLocal bool
	switch decision.Choice {
	case "keep_local":
		keepLocal = true
	case "discard":
		keepLocal = false
	default:
		http.Error(w, `choice must be "keep_local" or "discard"`, http.StatusBadRequest)
		return
	}

	if s.hooks.Resolve == nil {
		http.Error(w, "resolution not available", http.StatusNotImplemented)
		return
	}
	if err := s.hooks.Resolve(r.Context(), id, keepLocal); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.logger.Infow("manual conflict resolved", "id", id, "keep_local", keepLocal)
	w.WriteHeader(http.StatusNoContent)
}

// handleLocation accepts a GPS fix pushed by the platform shell:
// POST /locations with a LocationSample body.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.hooks.ReportLocation == nil {
		http.Error(w, "location recording disabled", http.StatusNotImplemented)
		return
	}

	var sample model.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.hooks.ReportLocation(sample)
	w.WriteHeader(http.StatusAccepted)
}

// handleConnectivity accepts a platform connectivity hint:
// POST /connectivity with {"online": bool}.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.hooks.ConnectivityHint == nil {
		http.Error(w, "connectivity hints disabled", http.StatusNotImplemented)
		return
	}

	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.hooks.ConnectivityHint(body.Online)
	w.WriteHeader(http.StatusAccepted)
}

// handlePower accepts a platform battery-state hint:
// POST /power with {"low_battery": bool}.
func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.hooks.PowerHint == nil {
		http.Error(w, "power hints disabled", http.StatusNotImplemented)
		return
	}

	var body struct {
		LowBattery bool `json:"low_battery"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.hooks.PowerHint(body.LowBattery)
	w.WriteHeader(http.StatusAccepted)
}

// handleSync requests a sync round on behalf of the driver UI.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.hooks.TriggerSync == nil {
		http.Error(w, "sync trigger not available", http.StatusNotImplemented)
		return
	}
	s.hooks.TriggerSync("driver requested")
	w.WriteHeader(http.StatusAccepted)
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
