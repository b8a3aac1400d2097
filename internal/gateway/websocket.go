package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridscope/scadasim/internal/bus"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from arbitrary origins in the simulation.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS serves /ws/grid. Authentication happens before the upgrade so an
// invalid token gets a plain 401 instead of a dangling socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, `{"error":{"kind":"auth_failure","message":"missing token"}}`, http.StatusUnauthorized)
		return
	}
	claims, err := s.deps.Auth.ParseToken(token)
	if err != nil {
		http.Error(w, `{"error":{"kind":"auth_failure","message":"invalid token"}}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	sub := s.deps.Broker.Subscribe()
	s.logger.Info("dashboard connected",
		"subscriber_id", sub.ID, "operator", claims.Subject, "remote", r.RemoteAddr)

	go s.discardReads(conn)
	s.pump(conn, sub)

	s.deps.Broker.Unsubscribe(sub.ID)
	_ = conn.Close()
	s.logger.Info("dashboard disconnected", "subscriber_id", sub.ID)
}

// discardReads consumes client frames so pings are answered and closes are
// noticed; the grid stream is one-way.
func (s *Server) discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) pump(conn *websocket.Conn, sub *bus.Subscriber) {
	if err := s.writeJSON(conn, s.snapshot()); err != nil {
		return
	}

	for msg := range sub.C() {
		if err := s.writeJSON(conn, msg); err != nil {
			return
		}
		// A Resync sentinel means the subscriber's backlog was dropped;
		// follow it with a fresh snapshot so the client can rebuild state.
		if _, ok := msg.(bus.Resync); ok {
			if err := s.writeJSON(conn, s.snapshot()); err != nil {
				return
			}
			sub.ClearSlow()
		}
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}

func (s *Server) snapshot() bus.FullStateSnapshot {
	return bus.FullStateSnapshot{
		Type:       bus.TypeFullStateSnapshot,
		Grid:       s.deps.Grid.Latest(),
		Nodes:      s.deps.Nodes.Records(),
		OpenAlarms: s.deps.Alarms.Active(),
		Security:   s.deps.Security.Counters(),
		Timestamp:  time.Now().UTC(),
	}
}
