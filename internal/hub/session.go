package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/a2c-smcp/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// session is one connected peer: its websocket, its namespace identity
// (role, name, office), and the outbound frame queue its write pump
// drains.
type session struct {
	sid  string
	conn *websocket.Conn
	hub  *Hub

	mu       sync.RWMutex
	role     protocol.Role
	name     string
	officeID string

	send   chan *frame
	closed chan struct{}
	once   sync.Once

	logger *slog.Logger
}

func newSession(conn *websocket.Conn, hub *Hub) *session {
	return &session{
		sid:    uuid.NewString(),
		conn:   conn,
		hub:    hub,
		send:   make(chan *frame, 64),
		closed: make(chan struct{}),
		logger: hub.logger.With("sid_prefix", "sess"),
	}
}

func (s *session) Role() protocol.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *session) OfficeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.officeID
}

func (s *session) setIdentity(role protocol.Role, name, officeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
	s.name = name
	s.officeID = officeID
}

func (s *session) clearOffice() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.officeID = ""
}

// enqueue pushes f onto the session's send queue, dropping it (and
// logging) if the queue is full rather than blocking the caller.
func (s *session) enqueue(f *frame) {
	select {
	case s.send <- f:
	case <-s.closed:
	default:
		s.logger.Warn("session send queue full, dropping frame", "sid", s.sid, "event", f.Event)
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// readPump decodes inbound frames and dispatches them to the Hub until the
// connection dies.
func (s *session) readPump() {
	defer func() {
		s.hub.handleDisconnect(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Warn("malformed frame, dropping", "sid", s.sid, "error", err)
			continue
		}
		s.hub.dispatch(s, &f)
	}
}

// writePump drains the send queue and keeps the connection alive with
// periodic pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case f, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				s.logger.Error("marshal outbound frame failed", "error", err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}
