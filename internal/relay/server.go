package relay

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ReiletaI/callguard/internal/metrics"
	"github.com/ReiletaI/callguard/internal/signaling"
)

// Server exposes a signaling.Channel, normally an in-memory Hub, to relay
// clients over websockets.
type Server struct {
	store    signaling.Channel
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewServer creates a relay server in front of store.
func NewServer(store signaling.Channel, log *zap.Logger) *Server {
	return &Server{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: maxMessageSize,
			// Relay clients are CLIs, not browsers; there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: metrics.DefaultMetrics,
		log:     log,
		conns:   make(map[*Conn]struct{}),
	}
}

// Handler returns the relay's routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthCheck)
	mux.HandleFunc("/ws", s.ServeWs)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// ServeWs upgrades the request and starts the connection's pumps.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	c := newConn(s, ws)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.RelayConnections.Inc()
	c.log.Debug("relay client registered")

	go c.WritePump()
	go c.ReadPump()
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()

	if ok {
		s.metrics.RelayConnections.Dec()
		c.log.Debug("relay client unregistered")
	}
}

// Close drops every open connection.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.close()
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Signaling relay is healthy."))
}
