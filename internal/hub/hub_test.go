package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/a2c-smcp/internal/protocol"
)

func newTestSession(h *Hub, sid string) *session {
	return &session{
		sid:    sid,
		hub:    h,
		send:   make(chan *frame, 16),
		closed: make(chan struct{}),
	}
}

func joinFrame(role protocol.Role, name, office string) *frame {
	f, _ := newFrame(protocol.EventJoinOffice, protocol.EnterOfficeReq{Role: role, Name: name, OfficeID: office})
	f.ReqID = "join-" + name
	return f
}

func registerSession(h *Hub, s *session) {
	h.mu.Lock()
	h.sessions[s.sid] = s
	h.mu.Unlock()
}

func TestJoinOfficeBroadcastsEnterToOthers(t *testing.T) {
	h := New(nil, nil)
	agent := newTestSession(h, "sid-agent")
	computer := newTestSession(h, "sid-computer")
	registerSession(h, agent)
	registerSession(h, computer)

	h.dispatch(agent, joinFrame(protocol.RoleAgent, "agent1", "office1"))
	drainAck(t, agent)

	h.dispatch(computer, joinFrame(protocol.RoleComputer, "comp1", "office1"))
	drainAck(t, computer)

	select {
	case f := <-agent.send:
		if f.Event != protocol.NotifyEnterOffice {
			t.Fatalf("expected enter_office notify, got %s", f.Event)
		}
		var n protocol.EnterOfficeNotification
		if err := json.Unmarshal(f.Data, &n); err != nil {
			t.Fatal(err)
		}
		if n.Computer != "comp1" {
			t.Errorf("expected computer name comp1, got %q", n.Computer)
		}
	case <-time.After(time.Second):
		t.Fatal("expected enter_office notification, got none")
	}
}

func TestSecondAgentRejectedFromOffice(t *testing.T) {
	h := New(nil, nil)
	agent1 := newTestSession(h, "a1")
	agent2 := newTestSession(h, "a2")
	registerSession(h, agent1)
	registerSession(h, agent2)

	h.dispatch(agent1, joinFrame(protocol.RoleAgent, "agent1", "office1"))
	drainAck(t, agent1)

	h.dispatch(agent2, joinFrame(protocol.RoleAgent, "agent2", "office1"))
	ack := drainAck(t, agent2)
	if ack.OK {
		t.Fatal("expected second agent join to be rejected")
	}
}

func TestDuplicateComputerNameDifferentSidRejected(t *testing.T) {
	h := New(nil, nil)
	c1 := newTestSession(h, "c1")
	c2 := newTestSession(h, "c2")
	registerSession(h, c1)
	registerSession(h, c2)

	h.dispatch(c1, joinFrame(protocol.RoleComputer, "comp1", "office1"))
	drainAck(t, c1)

	h.dispatch(c2, joinFrame(protocol.RoleComputer, "comp1", "office1"))
	ack := drainAck(t, c2)
	if ack.OK {
		t.Fatal("expected duplicate computer name join to be rejected")
	}
}

func TestSameSidRejoinIsIdempotent(t *testing.T) {
	h := New(nil, nil)
	c1 := newTestSession(h, "c1")
	registerSession(h, c1)

	h.dispatch(c1, joinFrame(protocol.RoleComputer, "comp1", "office1"))
	ack1 := drainAck(t, c1)
	if !ack1.OK {
		t.Fatalf("first join should succeed: %+v", ack1)
	}

	h.dispatch(c1, joinFrame(protocol.RoleComputer, "comp1", "office1"))
	ack2 := drainAck(t, c1)
	if !ack2.OK {
		t.Fatalf("idempotent rejoin should succeed: %+v", ack2)
	}
}

func TestRoleFixedOnFirstJoin(t *testing.T) {
	h := New(nil, nil)
	s := newTestSession(h, "s1")
	registerSession(h, s)

	h.dispatch(s, joinFrame(protocol.RoleComputer, "comp1", "office1"))
	drainAck(t, s)

	h.dispatch(s, joinFrame(protocol.RoleAgent, "agent1", "office1"))
	ack := drainAck(t, s)
	if ack.OK {
		t.Fatal("expected role switch to be rejected")
	}
}

func TestListRoomExcludesOtherOffices(t *testing.T) {
	h := New(nil, nil)
	agent := newTestSession(h, "sid-agent")
	computer := newTestSession(h, "sid-computer")
	registerSession(h, agent)
	registerSession(h, computer)

	h.dispatch(agent, joinFrame(protocol.RoleAgent, "agent1", "office1"))
	drainAck(t, agent)
	h.dispatch(computer, joinFrame(protocol.RoleComputer, "comp1", "office1"))
	drainAck(t, computer)
	drainOne(t, agent) // enter_office notification

	other := newTestSession(h, "sid-other")
	registerSession(h, other)
	h.dispatch(other, joinFrame(protocol.RoleComputer, "comp2", "office2"))
	drainAck(t, other)

	listFrame, _ := newFrame(protocol.EventListRoom, protocol.ListRoomReq{Agent: "agent1", ReqID: "r1"})
	h.dispatch(agent, listFrame)

	resp := drainOne(t, agent)
	var ret protocol.ListRoomRet
	if err := json.Unmarshal(resp.Data, &ret); err != nil {
		t.Fatal(err)
	}
	if len(ret.Sessions) != 2 {
		t.Fatalf("expected 2 sessions in office1, got %d: %+v", len(ret.Sessions), ret.Sessions)
	}
}

func TestForwardToolCallRoundTrip(t *testing.T) {
	h := New(nil, nil)
	agent := newTestSession(h, "sid-agent")
	computer := newTestSession(h, "sid-computer")
	registerSession(h, agent)
	registerSession(h, computer)

	h.dispatch(agent, joinFrame(protocol.RoleAgent, "agent1", "office1"))
	drainAck(t, agent)
	h.dispatch(computer, joinFrame(protocol.RoleComputer, "comp1", "office1"))
	drainAck(t, computer)
	drainOne(t, agent) // enter_office notification

	// Simulate the Computer answering whatever request it receives.
	go func() {
		forwarded := <-computer.send
		reply := &frame{Event: forwarded.Event, Data: json.RawMessage(`{"ok":true}`), ReqID: forwarded.ReqID}
		h.dispatch(computer, reply)
	}()

	callFrame, _ := newFrame(protocol.EventToolCall, protocol.ToolCallReq{
		Agent: "agent1", Computer: "comp1", ToolName: "t1", ReqID: "call-1",
	})
	h.dispatch(agent, callFrame)

	resp := drainOne(t, agent)
	if string(resp.Data) != `{"ok":true}` {
		t.Fatalf("unexpected forwarded response: %s", resp.Data)
	}
}

func TestForwardToAbsentComputerErrors(t *testing.T) {
	h := New(nil, nil)
	agent := newTestSession(h, "sid-agent")
	registerSession(h, agent)

	h.dispatch(agent, joinFrame(protocol.RoleAgent, "agent1", "office1"))
	drainAck(t, agent)

	callFrame, _ := newFrame(protocol.EventToolCall, protocol.ToolCallReq{
		Agent: "agent1", Computer: "ghost", ToolName: "t1", ReqID: "call-1",
	})
	h.dispatch(agent, callFrame)

	resp := drainOne(t, agent)
	var ack protocol.Ack
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.OK {
		t.Fatal("expected forwarding failure for absent computer")
	}
}

func drainOne(t *testing.T, s *session) *frame {
	t.Helper()
	select {
	case f := <-s.send:
		return f
	case <-time.After(time.Second):
		t.Fatal("expected a frame, got none")
		return nil
	}
}

func drainAck(t *testing.T, s *session) protocol.Ack {
	t.Helper()
	f := drainOne(t, s)
	var ack protocol.Ack
	if err := json.Unmarshal(f.Data, &ack); err != nil {
		t.Fatalf("expected ack frame, got %s: %v", f.Data, err)
	}
	return ack
}
