// Package devbridge exposes a local debugging surface over HTTP: a
// WebSocket hub that streams every state-machine snapshot to
// connected developer tools, a Prometheus /metrics endpoint, and a
// rate limiter to keep a misbehaving client from exhausting the
// connection table.
package devbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomekzaw/expo-updates-engine/internal/statemachine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local devtools only; bound to loopback at the server level
	},
}

// Hub streams statemachine.Context snapshots to every connected
// WebSocket client.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan statemachine.Context
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     *slog.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// NewHub creates a Hub. Call Run in a goroutine to start dispatching.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan statemachine.Context, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     logger.With("component", "devbridge_hub"),
		done:       make(chan struct{}),
	}
}

// Observer returns a statemachine.Observer that forwards every
// snapshot into this hub's broadcast channel.
func (h *Hub) Observer() statemachine.Observer {
	return func(ctx statemachine.Context) {
		select {
		case h.broadcast <- ctx:
		default:
			h.logger.Warn("devbridge broadcast channel full, dropping snapshot", "seq", ctx.Sequence)
		}
	}
}

// Run drives registration, unregistration, and broadcast until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer h.doneOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()
		case snap := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				go h.send(c, snap)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) send(c *websocket.Conn, snap statemachine.Context) {
	c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.WriteJSON(snap); err != nil {
		h.logger.Debug("devbridge client write failed, unregistering", "error", err)
		select {
		case h.unregister <- c:
		case <-h.done:
		default:
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
		delete(h.clients, c)
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("devbridge websocket upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Drain and discard inbound frames; this socket is write-only from
	// the engine's perspective. Exiting the loop triggers unregister.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// RateLimiter bounds WebSocket connection attempts per remote address
// within a sliding window.
type RateLimiter struct {
	mu          sync.Mutex
	connections map[string][]time.Time
	maxPerAddr  int
	window      time.Duration
}

// NewRateLimiter constructs a RateLimiter.
func NewRateLimiter(maxPerAddr int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		connections: make(map[string][]time.Time),
		maxPerAddr:  maxPerAddr,
		window:      window,
	}
}

// Allow reports whether a new connection from addr is permitted, and
// records it if so.
func (rl *RateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)
	kept := rl.connections[addr][:0]
	for _, t := range rl.connections[addr] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.maxPerAddr {
		rl.connections[addr] = kept
		return false
	}
	rl.connections[addr] = append(kept, now)
	return true
}

// Server wires the Hub, a status snapshot endpoint, and a Prometheus
// metrics endpoint behind a gorilla/mux router.
type Server struct {
	hub         *Hub
	machine     *statemachine.Machine
	rateLimiter *RateLimiter
	router      *mux.Router
	logger      *slog.Logger
}

// NewServer builds the devbridge HTTP surface. Callers mount the
// returned router (or serve it directly) on a loopback-bound listener.
func NewServer(machine *statemachine.Machine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		hub:         NewHub(logger),
		machine:     machine,
		rateLimiter: NewRateLimiter(10, time.Minute),
		router:      mux.NewRouter(),
		logger:      logger.With("component", "devbridge_server"),
	}
	machine.Subscribe(s.hub.Observer())

	s.router.HandleFunc("/devbridge/state", s.handleStateSnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/devbridge/ws", s.handleWebSocketRateLimited)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

// Router returns the underlying mux.Router for embedding in a larger
// server, or for use directly with http.ListenAndServe.
func (s *Server) Router() *mux.Router { return s.router }

// Run starts the hub's dispatch loop; call alongside serving Router().
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

func (s *Server) handleStateSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.machine.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("failed to encode state snapshot", "error", err)
	}
}

func (s *Server) handleWebSocketRateLimited(w http.ResponseWriter, r *http.Request) {
	addr := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		addr = fwd
	}
	if !s.rateLimiter.Allow(addr) {
		s.logger.Warn("devbridge websocket rate limit exceeded", "addr", addr)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	s.hub.handleWebSocket(w, r)
}
