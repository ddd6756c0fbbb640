// Package hub implements the Signaling Hub of spec.md §4.7: a namespaced
// websocket event router that enforces office (room) membership rules,
// broadcasts notify:* events, and forwards client:* requests
// point-to-point from an Agent to a named Computer in the same office.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/a2c-smcp/internal/observability"
	"github.com/haasonsaas/a2c-smcp/internal/protocol"
)

// Authenticator gates new connections with the request's environ
// ("remote_addr" and "path"), its resolved identity (ServeHTTP passes nil),
// and the raw header set. Returning false refuses the connection.
type Authenticator func(environ map[string]string, auth map[string]string, headers http.Header) bool

// AlreadyExists is returned when a computer join collides with a
// same-named, different-sid computer already in the target office.
type AlreadyExists struct{ Name, OfficeID string }

func (e *AlreadyExists) Error() string {
	return fmt.Sprintf("hub: computer %q already exists in office %q", e.Name, e.OfficeID)
}

// Hub is the namespaced event router. One Hub serves one fixed namespace.
type Hub struct {
	authenticator Authenticator
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	metrics       *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]*session            // sid -> session
	rooms    map[string]map[string]bool     // office_id -> set of sid
	names    map[string]map[string]string   // office_id -> name -> sid (computers only)

	inflightMu sync.Mutex
	inflight   map[string]chan *frame // req_id -> response channel

	// forwardTimeout bounds how long a point-to-point request waits for the
	// target Computer's reply.
	forwardTimeout time.Duration
}

// New builds a Hub. A nil authenticator accepts every connection.
func New(auth Authenticator, logger *slog.Logger) *Hub {
	if auth == nil {
		auth = func(map[string]string, map[string]string, http.Header) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		authenticator:  auth,
		logger:         logger.With("component", "hub"),
		upgrader:       websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		sessions:       map[string]*session{},
		rooms:          map[string]map[string]bool{},
		names:          map[string]map[string]string{},
		inflight:       map[string]chan *frame{},
		forwardTimeout: 30 * time.Second,
	}
}

// SetMetrics attaches a Metrics recorder. Left unset, the Hub records
// nothing.
func (h *Hub) SetMetrics(m *observability.Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics = m
}

func (h *Hub) recordJoin(role protocol.Role, outcome string) {
	h.mu.RLock()
	m := h.metrics
	h.mu.RUnlock()
	if m != nil {
		m.OfficeJoins.WithLabelValues(string(role), outcome).Inc()
	}
}

func (h *Hub) recordSessionDelta(role protocol.Role, delta float64) {
	h.mu.RLock()
	m := h.metrics
	h.mu.RUnlock()
	if m != nil {
		m.SessionsConnected.WithLabelValues(string(role)).Add(delta)
	}
}

func (h *Hub) recordForward(event, outcome string, d time.Duration) {
	h.mu.RLock()
	m := h.metrics
	h.mu.RUnlock()
	if m == nil {
		return
	}
	m.ForwardedCalls.WithLabelValues(event, outcome).Inc()
	if d > 0 {
		m.ForwardDuration.WithLabelValues(event).Observe(d.Seconds())
	}
}

// ServeHTTP upgrades the connection after running the authenticator, then
// spins up the session's read/write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	environ := map[string]string{"remote_addr": r.RemoteAddr, "path": r.URL.Path}
	if !h.authenticator(environ, nil, r.Header) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(conn, h)
	h.mu.Lock()
	h.sessions[s.sid] = s
	h.mu.Unlock()

	go s.writePump()
	go s.readPump()
}

// dispatch routes one inbound frame from sess to its handler, matching on
// the full ":"-separated event name.
func (h *Hub) dispatch(sess *session, f *frame) {
	if f.ReqID != "" && h.resolveInflight(f) {
		return
	}

	switch f.Event {
	case protocol.EventJoinOffice:
		h.handleJoinOffice(sess, f)
	case protocol.EventLeaveOffice:
		h.handleLeaveOffice(sess, f)
	case protocol.EventUpdateConfig:
		h.handleComputerBroadcast(sess, f, protocol.NotifyUpdateConfig)
	case protocol.EventUpdateTools:
		h.handleComputerBroadcast(sess, f, protocol.NotifyUpdateTools)
	case protocol.EventUpdateDesktop:
		h.handleComputerBroadcast(sess, f, protocol.NotifyUpdateDesktop)
	case protocol.EventCancelToolCall:
		h.handleAgentBroadcast(sess, f, protocol.NotifyCancelCall)
	case protocol.EventListRoom:
		h.handleListRoom(sess, f)
	case protocol.EventToolCall, protocol.EventGetTools, protocol.EventGetConfig, protocol.EventGetDesktop:
		h.handleForward(sess, f)
	default:
		h.logger.Warn("unhandled event", "event", f.Event, "sid", sess.sid)
	}
}

func (h *Hub) handleDisconnect(sess *session) {
	h.mu.Lock()
	delete(h.sessions, sess.sid)
	office := sess.OfficeID()
	h.mu.Unlock()

	if office != "" {
		h.leaveOffice(sess, office)
	}
}

// handleJoinOffice enforces the join rules of spec.md §4.7 in order: role
// immutability, agent exclusivity, computer name uniqueness (idempotent
// same-sid rejoin), then broadcasts notify:enter_office.
func (h *Hub) handleJoinOffice(sess *session, f *frame) {
	var req protocol.EnterOfficeReq
	if err := json.Unmarshal(f.Data, &req); err != nil {
		h.ack(sess, f, false, "malformed join request")
		return
	}

	h.mu.Lock()
	if sess.Role() != "" && sess.Role() != req.Role {
		h.mu.Unlock()
		h.recordJoin(req.Role, "role_fixed")
		h.ack(sess, f, false, "role is fixed on first join")
		return
	}

	if req.Role == protocol.RoleAgent {
		if existing := sess.OfficeID(); existing != "" && existing != req.OfficeID {
			h.mu.Unlock()
			h.recordJoin(req.Role, "agent_exists")
			h.ack(sess, f, false, "agent may not join more than one office")
			return
		}
		for sid := range h.rooms[req.OfficeID] {
			if other := h.sessions[sid]; other != nil && other.Role() == protocol.RoleAgent && sid != sess.sid {
				h.mu.Unlock()
				h.recordJoin(req.Role, "agent_exists")
				h.ack(sess, f, false, "office already has an agent")
				return
			}
		}
	}

	if req.Role == protocol.RoleComputer {
		if existingSID, ok := h.names[req.OfficeID][req.Name]; ok && existingSID != sess.sid {
			h.mu.Unlock()
			h.recordJoin(req.Role, "name_taken")
			h.ack(sess, f, false, (&AlreadyExists{Name: req.Name, OfficeID: req.OfficeID}).Error())
			return
		}
	}

	oldOffice := sess.OfficeID()
	if oldOffice != "" && oldOffice != req.OfficeID {
		h.removeFromRoomLocked(sess, oldOffice)
	}

	if h.rooms[req.OfficeID] == nil {
		h.rooms[req.OfficeID] = map[string]bool{}
	}
	alreadyMember := h.rooms[req.OfficeID][sess.sid]
	h.rooms[req.OfficeID][sess.sid] = true

	if req.Role == protocol.RoleComputer {
		if h.names[req.OfficeID] == nil {
			h.names[req.OfficeID] = map[string]string{}
		}
		h.names[req.OfficeID][req.Name] = sess.sid
	}
	sess.setIdentity(req.Role, req.Name, req.OfficeID)
	h.mu.Unlock()

	h.recordJoin(req.Role, "ok")
	h.ack(sess, f, true, "")

	if !alreadyMember {
		h.recordSessionDelta(req.Role, 1)
		notif := protocol.EnterOfficeNotification{OfficeID: req.OfficeID}
		if req.Role == protocol.RoleComputer {
			notif.Computer = req.Name
		} else {
			notif.Agent = req.Name
		}
		h.broadcastExcept(req.OfficeID, sess.sid, protocol.NotifyEnterOffice, notif)
	}
}

func (h *Hub) handleLeaveOffice(sess *session, f *frame) {
	var req protocol.LeaveOfficeReq
	if err := json.Unmarshal(f.Data, &req); err != nil {
		h.ack(sess, f, false, "malformed leave request")
		return
	}
	h.leaveOffice(sess, req.OfficeID)
	h.ack(sess, f, true, "")
}

func (h *Hub) leaveOffice(sess *session, officeID string) {
	h.mu.Lock()
	h.removeFromRoomLocked(sess, officeID)
	role := sess.Role()
	name := sess.Name()
	sess.clearOffice()
	h.mu.Unlock()

	if role != "" {
		h.recordSessionDelta(role, -1)
	}

	notif := protocol.LeaveOfficeNotification{OfficeID: officeID}
	if role == protocol.RoleComputer {
		notif.Computer = name
	} else {
		notif.Agent = name
	}
	h.broadcastExcept(officeID, sess.sid, protocol.NotifyLeaveOffice, notif)
}

// removeFromRoomLocked requires h.mu held.
func (h *Hub) removeFromRoomLocked(sess *session, officeID string) {
	if room, ok := h.rooms[officeID]; ok {
		delete(room, sess.sid)
		if len(room) == 0 {
			delete(h.rooms, officeID)
		}
	}
	if names, ok := h.names[officeID]; ok {
		if names[sess.Name()] == sess.sid {
			delete(names, sess.Name())
		}
		if len(names) == 0 {
			delete(h.names, officeID)
		}
	}
}

// handleComputerBroadcast re-emits a server:* Computer event as its
// notify:* counterpart to the sender's office.
func (h *Hub) handleComputerBroadcast(sess *session, f *frame, notifyEvent string) {
	office := sess.OfficeID()
	if office == "" {
		return
	}
	h.broadcastExcept(office, "", notifyEvent, json.RawMessage(f.Data))
}

func (h *Hub) handleAgentBroadcast(sess *session, f *frame, notifyEvent string) {
	office := sess.OfficeID()
	if office == "" {
		return
	}
	h.broadcastExcept(office, "", notifyEvent, json.RawMessage(f.Data))
}

// handleListRoom enumerates sessions in the requester's own office,
// excluding members with an unknown (empty) role.
func (h *Hub) handleListRoom(sess *session, f *frame) {
	var req protocol.ListRoomReq
	_ = json.Unmarshal(f.Data, &req)

	office := sess.OfficeID()
	if req.OfficeID != "" && req.OfficeID != office {
		h.respondError(sess, f, req.ReqID, "agent may only list its own office")
		return
	}

	h.mu.RLock()
	var out []protocol.RoomSession
	for sid := range h.rooms[office] {
		other := h.sessions[sid]
		if other == nil || other.Role() == "" {
			continue
		}
		out = append(out, protocol.RoomSession{
			SID: sid, Name: other.Name(), Role: other.Role(), OfficeID: office,
		})
	}
	h.mu.RUnlock()

	resp, _ := newFrame(f.Event, protocol.ListRoomRet{Sessions: out, ReqID: req.ReqID})
	resp.ReqID = f.ReqID
	sess.enqueue(resp)
}

// handleForward implements point-to-point forwarding for client:* events:
// resolve the target Computer in the requester's office, forward the
// frame with a fresh correlation ID, and relay the Computer's response
// back to the Agent as its ack.
func (h *Hub) handleForward(sess *session, f *frame) {
	computerName, err := extractComputerName(f)
	if err != nil {
		h.respondError(sess, f, "", err.Error())
		return
	}

	office := sess.OfficeID()
	h.mu.RLock()
	targetSID, ok := h.names[office][computerName]
	var target *session
	if ok {
		target = h.sessions[targetSID]
	}
	h.mu.RUnlock()

	if !ok || target == nil {
		h.recordForward(f.Event, "no_such_computer", 0)
		h.respondError(sess, f, "", fmt.Sprintf("computer %q not present in office", computerName))
		return
	}

	corrID := uuid.NewString()
	respChan := make(chan *frame, 1)
	h.inflightMu.Lock()
	h.inflight[corrID] = respChan
	h.inflightMu.Unlock()
	defer func() {
		h.inflightMu.Lock()
		delete(h.inflight, corrID)
		h.inflightMu.Unlock()
	}()

	forwardFrame := &frame{Event: f.Event, Data: f.Data, ReqID: corrID}
	target.enqueue(forwardFrame)

	start := time.Now()
	select {
	case resp := <-respChan:
		h.recordForward(f.Event, "ok", time.Since(start))
		out := &frame{Event: f.Event, Data: resp.Data, ReqID: f.ReqID}
		sess.enqueue(out)
	case <-time.After(h.forwardTimeout):
		h.recordForward(f.Event, "timeout", time.Since(start))
		h.respondError(sess, f, "", fmt.Sprintf("computer %q did not respond in time", computerName))
	}
}

// resolveInflight delivers f to the pending forwarder awaiting this
// req_id, if any, and reports whether one was found. Used to distinguish
// a Computer's response to a forwarded client:* request (which echoes the
// same req_id the Hub minted) from a genuinely new request sharing an
// event name.
func (h *Hub) resolveInflight(f *frame) bool {
	h.inflightMu.Lock()
	ch, ok := h.inflight[f.ReqID]
	h.inflightMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- f:
	default:
	}
	return true
}

func extractComputerName(f *frame) (string, error) {
	var probe struct {
		Computer string `json:"computer"`
	}
	if err := json.Unmarshal(f.Data, &probe); err != nil || probe.Computer == "" {
		return "", fmt.Errorf("request missing target computer name")
	}
	return probe.Computer, nil
}

func (h *Hub) ack(sess *session, f *frame, ok bool, errMsg string) {
	resp, err := newFrame(f.Event, protocol.Ack{OK: ok, Error: errMsg})
	if err != nil {
		return
	}
	resp.ReqID = f.ReqID
	sess.enqueue(resp)
}

func (h *Hub) respondError(sess *session, f *frame, reqID, errMsg string) {
	if reqID == "" {
		reqID = f.ReqID
	}
	resp, err := newFrame(f.Event, protocol.Ack{OK: false, Error: errMsg})
	if err != nil {
		return
	}
	resp.ReqID = reqID
	sess.enqueue(resp)
}

// broadcastExcept sends a notify:* frame to every member of office,
// skipping skipSID (empty skips no one).
func (h *Hub) broadcastExcept(officeID, skipSID, event string, payload any) {
	f, err := newFrame(event, payload)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	var targets []*session
	for sid := range h.rooms[officeID] {
		if sid == skipSID {
			continue
		}
		if s := h.sessions[sid]; s != nil {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		t.enqueue(f)
	}
}

// Shutdown closes every live session, for graceful process teardown.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}
