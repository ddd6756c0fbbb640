// Package agentclient implements the Agent Client of spec.md §4.8: a thin
// websocket client that enforces the Agent-outbound direction rules
// locally, issues point-to-point requests to Computers through the Hub,
// and fans notifications out to registered user handlers.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/a2c-smcp/internal/protocol"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ReqID string          `json:"req_id,omitempty"`
}

// Handler is the shape every registered user-handler method takes: the
// decoded notification payload and the Client instance itself, so
// stateless handlers can still use the client (e.g. to issue follow-up
// requests).
type Handler[T any] func(payload T, client *Client)

// Client is one Agent's connection to a Signaling Hub.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan *frame

	sendMu sync.Mutex

	name     string
	officeID string

	onComputerEnterOffice  Handler[protocol.EnterOfficeNotification]
	onComputerLeaveOffice  Handler[protocol.LeaveOfficeNotification]
	onComputerUpdateConfig Handler[json.RawMessage]
	onToolsReceived        Handler[protocol.GetToolsRet]

	closed chan struct{}
	wg     sync.WaitGroup
}

// ConnectToServer dials the Hub at url and returns a connected Client.
func ConnectToServer(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("agentclient: dial %s: %w", url, err)
	}
	return New(conn, logger), nil
}

// New wraps an already-established websocket connection.
func New(conn *websocket.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:     conn,
		logger:   logger.With("component", "agentclient"),
		inflight: map[string]chan *frame{},
		closed:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// OnComputerEnterOffice registers the handler invoked on notify:enter_office.
func (c *Client) OnComputerEnterOffice(h Handler[protocol.EnterOfficeNotification]) {
	c.onComputerEnterOffice = h
}

// OnComputerLeaveOffice registers the handler invoked on notify:leave_office.
func (c *Client) OnComputerLeaveOffice(h Handler[protocol.LeaveOfficeNotification]) {
	c.onComputerLeaveOffice = h
}

// OnComputerUpdateConfig registers the handler invoked on notify:update_config.
func (c *Client) OnComputerUpdateConfig(h Handler[json.RawMessage]) {
	c.onComputerUpdateConfig = h
}

// OnToolsReceived registers the handler invoked once get_tools_from_computer
// completes, including the proactive fetches triggered by enter_office and
// by an update_config whose payload names the computer.
func (c *Client) OnToolsReceived(h Handler[protocol.GetToolsRet]) {
	c.onToolsReceived = h
}

func (c *Client) send(f *frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) request(ctx context.Context, event string, payload any, reqID string) (json.RawMessage, error) {
	if !protocol.IsAgentOutboundAllowed(event) {
		return nil, fmt.Errorf("agentclient: event %q is not a valid Agent-outbound event", event)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("agentclient: marshal payload: %w", err)
	}

	respChan := make(chan *frame, 1)
	c.mu.Lock()
	c.inflight[reqID] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, reqID)
		c.mu.Unlock()
	}()

	if err := c.send(&frame{Event: event, Data: data, ReqID: reqID}); err != nil {
		return nil, fmt.Errorf("agentclient: send: %w", err)
	}

	select {
	case resp := <-respChan:
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("agentclient: connection closed")
	}
}

// JoinOffice joins office id under name, becoming the Agent member.
func (c *Client) JoinOffice(ctx context.Context, officeID, name string) error {
	data, err := c.request(ctx, protocol.EventJoinOffice, protocol.EnterOfficeReq{
		Role: protocol.RoleAgent, Name: name, OfficeID: officeID,
	}, newReqID())
	if err != nil {
		return err
	}
	var ack protocol.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("agentclient: decode join ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("agentclient: join_office rejected: %s", ack.Error)
	}
	c.name = name
	c.officeID = officeID
	return nil
}

// LeaveOffice leaves office id.
func (c *Client) LeaveOffice(ctx context.Context, officeID string) error {
	data, err := c.request(ctx, protocol.EventLeaveOffice, protocol.LeaveOfficeReq{OfficeID: officeID}, newReqID())
	if err != nil {
		return err
	}
	var ack protocol.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("agentclient: decode leave ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("agentclient: leave_office rejected: %s", ack.Error)
	}
	c.officeID = ""
	return nil
}

// EmitToolCall invokes a tool on computer and deserializes the response
// into a structured ToolCallResult. On timeout it additionally emits
// server:cancel_tool_call and returns a structured error result rather
// than a bare error.
func (c *Client) EmitToolCall(ctx context.Context, computer, toolName string, params map[string]any, timeout time.Duration) (*protocol.ToolCallResult, error) {
	reqID := newReqID()
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := c.request(callCtx, protocol.EventToolCall, protocol.ToolCallReq{
		Agent: c.name, Computer: computer, ToolName: toolName, Params: params, ReqID: reqID,
		Timeout: timeout.Seconds(),
	}, reqID)

	if err != nil {
		if callCtx.Err() != nil {
			_ = c.send(&frame{Event: protocol.EventCancelToolCall, ReqID: newReqID(), Data: mustMarshal(protocol.CancelToolCallReq{
				Agent: c.name, ReqID: reqID,
			})})
			return &protocol.ToolCallResult{
				IsError: true,
				Content: []protocol.ToolResultContent{{Type: "text", Text: fmt.Sprintf("tool call %s timed out", toolName)}},
			}, nil
		}
		return nil, err
	}

	var result protocol.ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("agentclient: decode tool call result: %w", err)
	}
	return &result, nil
}

// GetToolsFromComputer fetches computer's tool list.
func (c *Client) GetToolsFromComputer(ctx context.Context, computer string) (*protocol.GetToolsRet, error) {
	reqID := newReqID()
	data, err := c.request(ctx, protocol.EventGetTools, protocol.GetToolsReq{
		Computer: computer, Agent: c.name, ReqID: reqID,
	}, reqID)
	if err != nil {
		return nil, err
	}
	var ret protocol.GetToolsRet
	if err := json.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("agentclient: decode get_tools result: %w", err)
	}
	return &ret, nil
}

// GetDesktopFromComputer fetches computer's aggregated desktop.
func (c *Client) GetDesktopFromComputer(ctx context.Context, computer string, size *int, windowURI string) (*protocol.GetDesktopRet, error) {
	reqID := newReqID()
	data, err := c.request(ctx, protocol.EventGetDesktop, protocol.GetDesktopReq{
		Computer: computer, Agent: c.name, ReqID: reqID, DesktopSize: size, Window: windowURI,
	}, reqID)
	if err != nil {
		return nil, err
	}
	var ret protocol.GetDesktopRet
	if err := json.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("agentclient: decode get_desktop result: %w", err)
	}
	return &ret, nil
}

// GetComputersInOffice filters list_room down to Computer members.
func (c *Client) GetComputersInOffice(ctx context.Context, officeID string) ([]protocol.RoomSession, error) {
	reqID := newReqID()
	data, err := c.request(ctx, protocol.EventListRoom, protocol.ListRoomReq{
		Agent: c.name, OfficeID: officeID, ReqID: reqID,
	}, reqID)
	if err != nil {
		return nil, err
	}
	var ret protocol.ListRoomRet
	if err := json.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("agentclient: decode list_room result: %w", err)
	}
	var computers []protocol.RoomSession
	for _, s := range ret.Sessions {
		if s.Role == protocol.RoleComputer {
			computers = append(computers, s)
		}
	}
	return computers, nil
}

// readLoop dispatches inbound frames: request/response frames resolve a
// pending inflight call, everything else is treated as a notify:* event
// and fanned out to the registered handler.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.closed)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("malformed frame, dropping", "error", err)
			continue
		}

		if f.ReqID != "" {
			c.mu.Lock()
			ch, ok := c.inflight[f.ReqID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- &f:
				default:
				}
				continue
			}
		}

		c.handleNotification(&f)
	}
}

func (c *Client) handleNotification(f *frame) {
	switch f.Event {
	case protocol.NotifyEnterOffice:
		var payload protocol.EnterOfficeNotification
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return
		}
		if c.onComputerEnterOffice != nil {
			c.onComputerEnterOffice(payload, c)
		}
		if payload.Computer != "" {
			c.fetchAndEmitTools(payload.Computer)
		}
	case protocol.NotifyLeaveOffice:
		var payload protocol.LeaveOfficeNotification
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return
		}
		if c.onComputerLeaveOffice != nil {
			c.onComputerLeaveOffice(payload, c)
		}
	case protocol.NotifyUpdateConfig:
		if c.onComputerUpdateConfig != nil {
			c.onComputerUpdateConfig(f.Data, c)
		}
		// The proactive tools refetch targets the computer named in the
		// payload's "computer" field; a payload without one fetches nothing.
		var payload struct {
			Computer string `json:"computer"`
		}
		if err := json.Unmarshal(f.Data, &payload); err == nil && payload.Computer != "" {
			c.fetchAndEmitTools(payload.Computer)
		}
	default:
		c.logger.Debug("unhandled notification", "event", f.Event)
	}
}

func (c *Client) fetchAndEmitTools(computer string) {
	go func() {
		ret, err := c.GetToolsFromComputer(context.Background(), computer)
		if err != nil {
			c.logger.Warn("proactive get_tools failed", "computer", computer, "error", err)
			return
		}
		if c.onToolsReceived != nil {
			c.onToolsReceived(*ret, c)
		}
	}()
}

// Close shuts down the connection and its read loop.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

var reqIDCounter uint64
var reqIDMu sync.Mutex

// newReqID mints a monotonically increasing correlation ID. Using a
// counter rather than uuid keeps the Agent Client dependency-free of the
// Hub's uuid usage; callers only need uniqueness within one connection's
// lifetime.
func newReqID() string {
	reqIDMu.Lock()
	defer reqIDMu.Unlock()
	reqIDCounter++
	return fmt.Sprintf("req-%d", reqIDCounter)
}
