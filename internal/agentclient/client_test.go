package agentclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/a2c-smcp/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var upgrader = websocket.Upgrader{}

// newFakeHub starts an httptest server that upgrades to a websocket and
// hands the accepted connection to handle, run in its own goroutine per
// connection.
func newFakeHub(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func dialTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := ConnectToServer(context.Background(), url, discardLogger())
	if err != nil {
		t.Fatalf("ConnectToServer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestJoinOfficeSuccess(t *testing.T) {
	url := newFakeHub(t, func(conn *websocket.Conn) {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		ack, _ := json.Marshal(protocol.Ack{OK: true})
		_ = conn.WriteJSON(frame{Event: f.Event, Data: ack, ReqID: f.ReqID})
	})

	c := dialTestClient(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.JoinOffice(ctx, "office1", "agent1"); err != nil {
		t.Fatalf("JoinOffice: %v", err)
	}
}

func TestJoinOfficeRejected(t *testing.T) {
	url := newFakeHub(t, func(conn *websocket.Conn) {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		ack, _ := json.Marshal(protocol.Ack{OK: false, Error: "role already fixed"})
		_ = conn.WriteJSON(frame{Event: f.Event, Data: ack, ReqID: f.ReqID})
	})

	c := dialTestClient(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.JoinOffice(ctx, "office1", "agent1"); err == nil {
		t.Fatal("expected join_office rejection to surface as an error")
	}
}

func TestEmitToolCallRoundTrip(t *testing.T) {
	url := newFakeHub(t, func(conn *websocket.Conn) {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		result, _ := json.Marshal(protocol.ToolCallResult{
			Content: []protocol.ToolResultContent{{Type: "text", Text: "done"}},
		})
		_ = conn.WriteJSON(frame{Event: f.Event, Data: result, ReqID: f.ReqID})
	})

	c := dialTestClient(t, url)
	res, err := c.EmitToolCall(context.Background(), "comp1", "echo", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("EmitToolCall: %v", err)
	}
	if res.IsError || len(res.Content) != 1 || res.Content[0].Text != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEmitToolCallTimeoutReturnsStructuredError(t *testing.T) {
	cancelSeen := make(chan string, 1)
	url := newFakeHub(t, func(conn *websocket.Conn) {
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Event == protocol.EventCancelToolCall {
				cancelSeen <- f.Event
			}
			// Never answer the original tool_call request.
		}
	})

	c := dialTestClient(t, url)
	res, err := c.EmitToolCall(context.Background(), "comp1", "slow", nil, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected a structured error result, not a bare error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected IsError result on timeout, got %+v", res)
	}

	select {
	case <-cancelSeen:
	case <-time.After(time.Second):
		t.Fatal("expected server:cancel_tool_call to be emitted on timeout")
	}
}

func TestEnterOfficeNotificationTriggersToolsFetch(t *testing.T) {
	toolsRequested := make(chan struct{}, 1)
	url := newFakeHub(t, func(conn *websocket.Conn) {
		notif, _ := json.Marshal(protocol.EnterOfficeNotification{OfficeID: "office1", Computer: "comp1"})
		_ = conn.WriteJSON(frame{Event: protocol.NotifyEnterOffice, Data: notif})

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Event == protocol.EventGetTools {
				toolsRequested <- struct{}{}
				ret, _ := json.Marshal(protocol.GetToolsRet{Tools: []protocol.SMCPTool{{Name: "t1"}}})
				_ = conn.WriteJSON(frame{Event: f.Event, Data: ret, ReqID: f.ReqID})
			}
		}
	})

	c := dialTestClient(t, url)

	enterSeen := make(chan protocol.EnterOfficeNotification, 1)
	c.OnComputerEnterOffice(func(payload protocol.EnterOfficeNotification, client *Client) {
		if client != c {
			t.Error("handler should receive the originating client instance")
		}
		enterSeen <- payload
	})

	toolsSeen := make(chan protocol.GetToolsRet, 1)
	c.OnToolsReceived(func(payload protocol.GetToolsRet, client *Client) {
		toolsSeen <- payload
	})

	select {
	case n := <-enterSeen:
		if n.Computer != "comp1" {
			t.Errorf("expected computer comp1, got %q", n.Computer)
		}
	case <-time.After(time.Second):
		t.Fatal("expected on_computer_enter_office to fire")
	}

	select {
	case <-toolsRequested:
	case <-time.After(time.Second):
		t.Fatal("expected a proactive get_tools request after enter_office")
	}

	select {
	case ret := <-toolsSeen:
		if len(ret.Tools) != 1 || ret.Tools[0].Name != "t1" {
			t.Fatalf("unexpected tools payload: %+v", ret)
		}
	case <-time.After(time.Second):
		t.Fatal("expected on_tools_received to fire")
	}
}

func TestGetComputersInOfficeFiltersToComputers(t *testing.T) {
	url := newFakeHub(t, func(conn *websocket.Conn) {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		ret, _ := json.Marshal(protocol.ListRoomRet{Sessions: []protocol.RoomSession{
			{SID: "s1", Name: "agent1", Role: protocol.RoleAgent, OfficeID: "office1"},
			{SID: "s2", Name: "comp1", Role: protocol.RoleComputer, OfficeID: "office1"},
			{SID: "s3", Name: "comp2", Role: protocol.RoleComputer, OfficeID: "office1"},
		}})
		_ = conn.WriteJSON(frame{Event: f.Event, Data: ret, ReqID: f.ReqID})
	})

	c := dialTestClient(t, url)
	computers, err := c.GetComputersInOffice(context.Background(), "office1")
	if err != nil {
		t.Fatalf("GetComputersInOffice: %v", err)
	}
	if len(computers) != 2 {
		t.Fatalf("expected 2 computers, got %d: %+v", len(computers), computers)
	}
}
