package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SSETransport speaks MCP over HTTP POST-per-call for requests, with a
// long-lived Server-Sent Events stream carrying server-initiated
// notifications and requests. Reconnects the SSE stream on failure.
type SSETransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	pending   map[string]chan *JSONRPCResponse
	pendingMu sync.Mutex
	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewSSETransport builds an SSE transport for cfg.
func NewSSETransport(cfg *ServerConfig) *SSETransport {
	return &SSETransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.Name, "transport", "sse"),
		client:   &http.Client{},
		pending:  make(map[string]chan *JSONRPCResponse),
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 16),
		stopChan: make(chan struct{}),
	}
}

// Connect opens the SSE stream and starts its listener goroutine.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("mcpclient: url is required for sse transport")
	}
	t.connected.Store(true)
	t.wg.Add(1)
	go t.listenLoop()
	return nil
}

func (t *SSETransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)
	t.wg.Wait()
	return nil
}

func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.post(ctx, req); err != nil {
		return nil, err
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("mcpclient: MCP error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("mcpclient: request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("mcpclient: transport closed")
	}
}

func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
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
	return t.post(ctx, notif)
}

func (t *SSETransport) post(ctx context.Context, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("mcpclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
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

func (t *SSETransport) Events() <-chan *JSONRPCNotification { return t.events }
func (t *SSETransport) Requests() <-chan *JSONRPCRequest    { return t.requests }

// Respond answers a server-initiated request by POSTing a JSON-RPC
// response back to the configured URL.
func (t *SSETransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
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
	return t.post(ctx, resp)
}

func (t *SSETransport) Connected() bool { return t.connected.Load() }

// listenLoop holds the SSE stream open, reconnecting with backoff while the
// transport is still alive.
func (t *SSETransport) listenLoop() {
	defer t.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		if err := t.streamOnce(); err != nil {
			t.logger.Warn("sse stream ended, reconnecting", "error", err, "backoff", backoff)
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

func (t *SSETransport) streamOnce() error {
	httpReq, err := http.NewRequest(http.MethodGet, t.config.URL, nil)
	if err != nil {
		return fmt.Errorf("build sse request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sse connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sse connect returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var dataLines []string
	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		t.dispatchPayload(payload)
	}

	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return nil
		default:
		}
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: and comment lines carry no JSON-RPC payload.
		}
	}
	flush()
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (t *SSETransport) dispatchPayload(payload string) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(payload), &resp); err == nil && resp.ID != nil {
		id, ok := resp.ID.(string)
		if !ok {
			t.logger.Warn("unexpected response ID type", "id", resp.ID)
			return
		}
		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(payload), &req); err == nil && req.Method != "" && req.ID != nil {
		select {
		case t.requests <- &req:
		default:
			t.logger.Warn("request channel full, dropping")
		}
		return
	}

	var notif JSONRPCNotification
	if err := json.Unmarshal([]byte(payload), &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}
}
