// Package computerclient implements the Computer Client of spec.md §4.7: a
// websocket client that joins a Signaling Hub as a Computer, serves the
// get_tools/get_desktop/tool_call/cancel_tool_call requests an Agent
// forwards through the Hub by delegating to a computer.Facade, and pushes
// server:update_tool_list / server:update_desktop notifications when the
// Facade observes a change.
package computerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/a2c-smcp/internal/computer"
	"github.com/haasonsaas/a2c-smcp/internal/protocol"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ReqID string          `json:"req_id,omitempty"`
}

// Client is one Computer's connection to a Signaling Hub, wired directly
// into a computer.Facade to serve forwarded Agent requests.
type Client struct {
	conn   *websocket.Conn
	facade *computer.Facade
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]chan *frame

	sendMu sync.Mutex

	name     string
	officeID string

	closed chan struct{}
	wg     sync.WaitGroup
}

// ConnectToServer dials the Hub at url, joins office id under name, and
// returns a Client wired to facade, ready to serve forwarded requests.
func ConnectToServer(ctx context.Context, url, officeID, name string, facade *computer.Facade, logger *slog.Logger) (*Client, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("computerclient: dial %s: %w", url, err)
	}

	c := New(conn, facade, logger)
	if err := c.JoinOffice(ctx, officeID, name); err != nil {
		_ = conn.Close()
		return nil, err
	}
	facade.SetSignalingClient(c)
	return c, nil
}

// New wraps an already-established websocket connection and starts serving
// inbound requests against facade.
func New(conn *websocket.Conn, facade *computer.Facade, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:     conn,
		facade:   facade,
		logger:   logger.With("component", "computerclient"),
		inflight: map[string]chan *frame{},
		closed:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
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
	if !protocol.IsComputerOutboundAllowed(event) {
		return nil, fmt.Errorf("computerclient: event %q is not a valid Computer-outbound event", event)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("computerclient: marshal payload: %w", err)
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
		return nil, fmt.Errorf("computerclient: send: %w", err)
	}

	select {
	case resp := <-respChan:
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("computerclient: connection closed")
	}
}

// JoinOffice joins office id under name, becoming the Computer member.
func (c *Client) JoinOffice(ctx context.Context, officeID, name string) error {
	data, err := c.request(ctx, protocol.EventJoinOffice, protocol.EnterOfficeReq{
		Role: protocol.RoleComputer, Name: name, OfficeID: officeID,
	}, newReqID())
	if err != nil {
		return err
	}
	var ack protocol.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("computerclient: decode join ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("computerclient: join_office rejected: %s", ack.Error)
	}
	c.name = name
	c.officeID = officeID
	return nil
}

// LeaveOffice leaves the current office.
func (c *Client) LeaveOffice(ctx context.Context) error {
	data, err := c.request(ctx, protocol.EventLeaveOffice, protocol.LeaveOfficeReq{OfficeID: c.officeID}, newReqID())
	if err != nil {
		return err
	}
	var ack protocol.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("computerclient: decode leave ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("computerclient: leave_office rejected: %s", ack.Error)
	}
	c.officeID = ""
	return nil
}

// EmitToolListUpdate satisfies computer.SignalingClient: it pushes a
// server:update_tool_list notification carrying the current tool list.
func (c *Client) EmitToolListUpdate(ctx context.Context) {
	tools, err := c.facade.ListTools(ctx)
	if err != nil {
		c.logger.Warn("list_tools failed while emitting tool update", "error", err)
		return
	}
	payload := mustMarshal(protocol.GetToolsRet{Tools: tools})
	if err := c.send(&frame{Event: protocol.EventUpdateTools, Data: payload, ReqID: newReqID()}); err != nil {
		c.logger.Warn("failed to emit tool list update", "error", err)
	}
}

// EmitDesktopRefresh satisfies computer.SignalingClient: it pushes a
// server:update_desktop notification carrying the current aggregated
// desktop at the default (unbounded) size.
func (c *Client) EmitDesktopRefresh(ctx context.Context) {
	rendered, err := c.facade.GetDesktop(ctx, -1, "")
	if err != nil {
		c.logger.Warn("get_desktop failed while emitting desktop refresh", "error", err)
		return
	}
	bodies := make([]string, len(rendered))
	for i, r := range rendered {
		bodies[i] = r.Body
	}
	payload := mustMarshal(protocol.GetDesktopRet{Desktops: bodies})
	if err := c.send(&frame{Event: protocol.EventUpdateDesktop, Data: payload, ReqID: newReqID()}); err != nil {
		c.logger.Warn("failed to emit desktop refresh", "error", err)
	}
}

// Close terminates the underlying connection and waits for the read loop
// to exit.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// readLoop dispatches inbound frames: a frame matching a pending outbound
// request resolves it; everything else is a Hub-forwarded Agent request
// this Computer must answer, echoing the same event and req_id.
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

		go c.handleForwardedRequest(&f)
	}
}

func (c *Client) handleForwardedRequest(f *frame) {
	ctx := context.Background()
	switch f.Event {
	case protocol.EventGetTools:
		c.serveGetTools(ctx, f)
	case protocol.EventGetDesktop:
		c.serveGetDesktop(ctx, f)
	case protocol.EventToolCall:
		c.serveToolCall(ctx, f)
	case protocol.EventCancelToolCall:
		// Best-effort: the underlying call already has its own timeout via
		// ExecuteTool's context; nothing further to cancel out-of-band.
	case protocol.EventGetConfig:
		c.serveGetConfig(ctx, f)
	}
}

func (c *Client) serveGetTools(ctx context.Context, f *frame) {
	var req protocol.GetToolsReq
	_ = json.Unmarshal(f.Data, &req)

	tools, err := c.facade.ListTools(ctx)
	if err != nil {
		c.logger.Warn("get_tools failed", "error", err)
		tools = nil
	}
	c.reply(f, protocol.GetToolsRet{Tools: tools, ReqID: req.ReqID})
}

func (c *Client) serveGetDesktop(ctx context.Context, f *frame) {
	var req protocol.GetDesktopReq
	_ = json.Unmarshal(f.Data, &req)

	size := -1
	if req.DesktopSize != nil {
		size = *req.DesktopSize
	}
	rendered, err := c.facade.GetDesktop(ctx, size, req.Window)
	if err != nil {
		c.logger.Warn("get_desktop failed", "error", err)
	}
	bodies := make([]string, len(rendered))
	for i, r := range rendered {
		bodies[i] = r.Body
	}
	c.reply(f, protocol.GetDesktopRet{Desktops: bodies, ReqID: req.ReqID})
}

// serveGetConfig answers client:get_config by serializing every configured
// server (keyed by name) and Input Definition, mirroring the original
// Python Computer's on_get_config.
func (c *Client) serveGetConfig(_ context.Context, f *frame) {
	var req protocol.GetConfigReq
	_ = json.Unmarshal(f.Data, &req)

	configs := c.facade.Manager().Configs()
	servers := make(map[string]any, len(configs))
	for name, cfg := range configs {
		servers[name] = toWireMap(cfg)
	}

	defs := c.facade.Resolver().Definitions()
	inputs := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		inputs = append(inputs, toWireMap(d))
	}

	c.reply(f, protocol.GetConfigRet{Servers: servers, Inputs: inputs})
}

// toWireMap round-trips v through JSON to its map[string]any wire shape.
func toWireMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func (c *Client) serveToolCall(ctx context.Context, f *frame) {
	var req protocol.ToolCallReq
	if err := json.Unmarshal(f.Data, &req); err != nil {
		c.reply(f, protocol.ToolCallResult{IsError: true, Content: []protocol.ToolResultContent{{Type: "text", Text: "malformed tool call request"}}})
		return
	}

	timeout := time.Duration(req.Timeout * float64(time.Second))
	res := c.facade.ExecuteTool(ctx, req.ReqID, req.ToolName, req.Params, timeout)
	c.reply(f, toProtocolResult(res))
}

func (c *Client) reply(f *frame, payload any) {
	if err := c.send(&frame{Event: f.Event, Data: mustMarshal(payload), ReqID: f.ReqID}); err != nil {
		c.logger.Warn("failed to reply to forwarded request", "event", f.Event, "error", err)
	}
}

func toProtocolResult(res computer.ExecuteResult) protocol.ToolCallResult {
	if res.Rejected || res.Error != "" {
		return protocol.ToolCallResult{
			IsError: true,
			Content: []protocol.ToolResultContent{{Type: "text", Text: res.Error}},
		}
	}
	if res.Result == nil {
		return protocol.ToolCallResult{IsError: true, Content: []protocol.ToolResultContent{{Type: "text", Text: "no result"}}}
	}

	content := make([]protocol.ToolResultContent, len(res.Result.Content))
	for i, c := range res.Result.Content {
		content[i] = protocol.ToolResultContent{Type: c.Type, Text: c.Text, Data: c.Data, MimeType: c.MimeType}
	}
	return protocol.ToolCallResult{Content: content, IsError: res.Result.IsError, Meta: res.Result.Meta}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

var (
	reqIDCounter uint64
	reqIDMu      sync.Mutex
)

// newReqID mints a process-unique correlation ID without pulling in the
// uuid dependency just for this connection-scoped counter.
func newReqID() string {
	reqIDMu.Lock()
	defer reqIDMu.Unlock()
	reqIDCounter++
	return fmt.Sprintf("req-%d", reqIDCounter)
}
