package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StreamableHTTPTransport implements the MCP "streamable HTTP" transport:
// every call is a single HTTP POST whose response is either a plain JSON
// body or a chunked text/event-stream carrying one or more JSON-RPC
// messages terminating in the call's own response. A background GET holds
// an SSE stream open for server-initiated traffic outside of a call.
type StreamableHTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	sessionMu sync.RWMutex
	sessionID string

	events   chan *JSONRPCNotification
	requests chan *JSONRPCRequest

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStreamableHTTPTransport builds a streamable-HTTP transport for cfg.
func NewStreamableHTTPTransport(cfg *ServerConfig) *StreamableHTTPTransport {
	return &StreamableHTTPTransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.Name, "transport", "streamable_http"),
		client:   &http.Client{},
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 16),
		stopChan: make(chan struct{}),
	}
}

func (t *StreamableHTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("mcpclient: url is required for streamable_http transport")
	}
	t.connected.Store(true)
	t.wg.Add(1)
	go t.listenLoop()
	return nil
}

func (t *StreamableHTTPTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)
	t.wg.Wait()
	return nil
}

func (t *StreamableHTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcpclient: not connected")
	}

	id := uuid.NewString()
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcpclient: marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mcpclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.applySessionHeader(httpReq)
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	httpReq = httpReq.WithContext(callCtx)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mcpclient: post returned status %d", resp.StatusCode)
	}
	t.captureSessionHeader(resp)

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return t.readStreamedResponse(resp, id)
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcpclient: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcpclient: MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// readStreamedResponse consumes the call's own chunked event-stream,
// forwarding any interleaved notifications/requests to their channels and
// returning the result once the matching response ID arrives.
func (t *StreamableHTTPTransport) readStreamedResponse(resp *http.Response, wantID string) (json.RawMessage, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var dataLines []string
	flush := func() string {
		if len(dataLines) == 0 {
			return ""
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		return payload
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			if strings.HasPrefix(line, "data:") {
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
			continue
		}
		payload := flush()
		if payload == "" {
			continue
		}
		if result, done, err := t.dispatchStreamPayload(payload, wantID); done {
			return result, err
		}
	}
	if payload := flush(); payload != "" {
		if result, done, err := t.dispatchStreamPayload(payload, wantID); done {
			return result, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mcpclient: stream read: %w", err)
	}
	return nil, fmt.Errorf("mcpclient: stream closed before response %s arrived", wantID)
}

func (t *StreamableHTTPTransport) dispatchStreamPayload(payload, wantID string) (json.RawMessage, bool, error) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(payload), &resp); err == nil && resp.ID != nil {
		if id, ok := resp.ID.(string); ok && id == wantID {
			if resp.Error != nil {
				return nil, true, fmt.Errorf("mcpclient: MCP error %d: %s", resp.Error.Code, resp.Error.Message)
			}
			return resp.Result, true, nil
		}
		return nil, false, nil
	}

	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(payload), &req); err == nil && req.Method != "" && req.ID != nil {
		select {
		case t.requests <- &req:
		default:
			t.logger.Warn("request channel full, dropping")
		}
		return nil, false, nil
	}

	var notif JSONRPCNotification
	if err := json.Unmarshal([]byte(payload), &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}
	return nil, false, nil
}

func (t *StreamableHTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("mcpclient: not connected")
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcpclient: marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal notification: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("mcpclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	t.applySessionHeader(httpReq)
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("mcpclient: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mcpclient: post returned status %d", resp.StatusCode)
	}
	return nil
}

func (t *StreamableHTTPTransport) Events() <-chan *JSONRPCNotification { return t.events }
func (t *StreamableHTTPTransport) Requests() <-chan *JSONRPCRequest    { return t.requests }

func (t *StreamableHTTPTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else if result != nil {
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("mcpclient: marshal result: %w", err)
		}
		resp.Result = resultJSON
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal response: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("mcpclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	t.applySessionHeader(httpReq)
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("mcpclient: post: %w", err)
	}
	defer httpResp.Body.Close()
	return nil
}

func (t *StreamableHTTPTransport) Connected() bool { return t.connected.Load() }

func (t *StreamableHTTPTransport) applySessionHeader(req *http.Request) {
	t.sessionMu.RLock()
	sid := t.sessionID
	t.sessionMu.RUnlock()
	if sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}
}

func (t *StreamableHTTPTransport) captureSessionHeader(resp *http.Response) {
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.sessionMu.Lock()
		t.sessionID = sid
		t.sessionMu.Unlock()
	}
}

// listenLoop holds an auxiliary GET stream open for server-initiated
// traffic that arrives outside the lifetime of any single call, mirroring
// the background SSE loop the MCP spec allows a streamable-HTTP server to
// offer at the same endpoint.
func (t *StreamableHTTPTransport) listenLoop() {
	defer t.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		if err := t.streamOnce(); err != nil {
			t.logger.Debug("streamable_http background stream ended", "error", err, "backoff", backoff)
		}

		select {
		case <-t.stopChan:
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (t *StreamableHTTPTransport) streamOnce() error {
	httpReq, err := http.NewRequest(http.MethodGet, t.config.URL, nil)
	if err != nil {
		return fmt.Errorf("build background stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	t.applySessionHeader(httpReq)
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("background stream connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		// Server does not offer a standalone GET stream; nothing more to do.
		<-t.stopChan
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("background stream returned status %d", resp.StatusCode)
	}
	t.captureSessionHeader(resp)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var dataLines []string
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return nil
		default:
		}
		line := scanner.Text()
		if line == "" {
			if len(dataLines) > 0 {
				payload := strings.Join(dataLines, "\n")
				dataLines = dataLines[:0]
				t.dispatchStreamPayload(payload, "")
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
