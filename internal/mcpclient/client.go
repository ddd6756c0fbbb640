package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/a2c-smcp/internal/window"
)

// State is a Client lifecycle state.
type State string

const (
	StateInitialized  State = "initialized"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Event drives a State transition.
type Event string

const (
	EventConnect    Event = "aconnect"
	EventDisconnect Event = "adisconnect"
	EventErrorEvt   Event = "aerror"
	EventInitialize Event = "ainitialize"
)

var transitions = map[State]map[Event]State{
	StateInitialized:  {EventConnect: StateConnected, EventErrorEvt: StateError},
	StateConnected:    {EventDisconnect: StateDisconnected, EventErrorEvt: StateError},
	StateDisconnected: {EventInitialize: StateInitialized, EventConnect: StateConnected, EventErrorEvt: StateError},
	StateError:        {EventInitialize: StateInitialized},
}

// Hooks are the callback points a Client fires around every transition:
// prepare (runs regardless of guard), guard (may veto the transition),
// before (runs once guard passes), on_enter_<state>, and after.
type Hooks struct {
	Prepare func(ctx context.Context, ev Event)
	Guard   func(ctx context.Context, ev Event) error
	Before  func(ctx context.Context, ev Event)
	OnEnter map[State]func(ctx context.Context)
	After   func(ctx context.Context, ev Event, from, to State)
}

// Client wraps a single Transport with the connect/disconnect/error state
// machine and the higher-level MCP operations (list_tools, call_tool,
// list_windows, get_window_detail) spec.md §4.3 requires.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger
	hooks     Hooks

	mu           sync.RWMutex
	state        State
	capabilities Capabilities

	keepAliveCancel context.CancelFunc
	wg              sync.WaitGroup

	toolsCache     []Tool
	resourcesCache []Resource

	notificationRelay func(*JSONRPCNotification)
}

// SetNotificationRelay installs a callback invoked with every
// server-initiated notification, in addition to this Client's own
// cache-invalidation handling. Used by mcpmanager's notification fan-in.
func (c *Client) SetNotificationRelay(relay func(*JSONRPCNotification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationRelay = relay
}

// CachedTools returns the last tool list fetched by ListTools without
// performing I/O. Returns an error if ListTools has never been called.
func (c *Client) CachedTools() ([]Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.toolsCache == nil {
		return nil, fmt.Errorf("mcpclient: tools not yet listed for %q", c.config.Name)
	}
	return c.toolsCache, nil
}

// NewClient builds a Client for cfg with the given hooks. Hooks may be the
// zero value; every field is optional.
func NewClient(cfg *ServerConfig, hooks Hooks) (*Client, error) {
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    slog.Default().With("mcp_server", cfg.Name),
		hooks:     hooks,
		state:     StateInitialized,
	}, nil
}

// State returns the Client's current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) fire(ctx context.Context, ev Event) error {
	c.mu.Lock()
	from := c.state
	next, ok := transitions[from][ev]
	c.mu.Unlock()

	if c.hooks.Prepare != nil {
		c.hooks.Prepare(ctx, ev)
	}
	if !ok {
		return fmt.Errorf("mcpclient: invalid transition %s from %s", ev, from)
	}
	if c.hooks.Guard != nil {
		if err := c.hooks.Guard(ctx, ev); err != nil {
			return fmt.Errorf("mcpclient: guard rejected %s: %w", ev, err)
		}
	}
	if c.hooks.Before != nil {
		c.hooks.Before(ctx, ev)
	}

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	if enter, ok := c.hooks.OnEnter[next]; ok && enter != nil {
		enter(ctx)
	}
	if c.hooks.After != nil {
		c.hooks.After(ctx, ev, from, next)
	}
	return nil
}

// Connect transitions initialized/disconnected -> connected, performs the
// MCP initialize handshake, and starts the keep-alive goroutine that owns
// the session for its lifetime.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		_ = c.fire(ctx, EventErrorEvt)
		return fmt.Errorf("mcpclient: transport connect: %w", err)
	}

	if err := c.fire(ctx, EventConnect); err != nil {
		_ = c.transport.Close()
		return err
	}

	if _, err := c.initializeHandshake(ctx); err != nil {
		_ = c.fire(ctx, EventErrorEvt)
		_ = c.transport.Close()
		return fmt.Errorf("mcpclient: initialize: %w", err)
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	c.keepAliveCancel = cancel
	c.wg.Add(1)
	go c.keepAlive(keepAliveCtx)

	return nil
}

func (c *Client) initializeHandshake(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "a2c-smcp", "version": "0.1.0"},
	}
	raw, err := c.transport.Call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: decode initialize result: %w", err)
	}
	c.mu.Lock()
	c.capabilities = result.Capabilities
	c.mu.Unlock()
	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}
	return &result, nil
}

// keepAlive owns the connected session: it drains server-initiated events
// and requests into the Client's caches/handlers until the transport dies
// or the Client disconnects, then fires aerror if the death was unexpected.
func (c *Client) keepAlive(ctx context.Context) {
	defer c.wg.Done()

	events := c.transport.Events()
	requests := c.transport.Requests()

	for {
		select {
		case <-ctx.Done():
			return
		case notif, ok := <-events:
			if !ok {
				c.handleTransportDeath(ctx)
				return
			}
			c.handleNotification(ctx, notif)
		case req, ok := <-requests:
			if !ok {
				c.handleTransportDeath(ctx)
				return
			}
			c.handleServerRequest(ctx, req)
		case <-time.After(5 * time.Second):
			if !c.transport.Connected() {
				c.handleTransportDeath(ctx)
				return
			}
		}
	}
}

func (c *Client) handleTransportDeath(ctx context.Context) {
	if c.State() == StateConnected {
		c.logger.Warn("transport died unexpectedly")
		_ = c.fire(ctx, EventErrorEvt)
	}
}

func (c *Client) handleNotification(ctx context.Context, notif *JSONRPCNotification) {
	switch notif.Method {
	case "notifications/tools/list_changed":
		c.invalidateTools()
	case "notifications/resources/list_changed":
		c.invalidateResources()
	default:
		c.logger.Debug("unhandled server notification", "method", notif.Method)
	}

	c.mu.RLock()
	relay := c.notificationRelay
	c.mu.RUnlock()
	if relay != nil {
		relay(notif)
	}
}

// handleServerRequest answers server-initiated requests this Client does
// not support (e.g. sampling) with a method-not-found error, rather than
// leaving the server hanging.
func (c *Client) handleServerRequest(ctx context.Context, req *JSONRPCRequest) {
	_ = c.transport.Respond(ctx, req.ID, nil, &JSONRPCError{
		Code:    ErrCodeMethodNotFound,
		Message: fmt.Sprintf("method %q not supported", req.Method),
	})
}

func (c *Client) invalidateTools() {
	c.mu.Lock()
	c.toolsCache = nil
	c.mu.Unlock()
}

func (c *Client) invalidateResources() {
	c.mu.Lock()
	c.resourcesCache = nil
	c.mu.Unlock()
}

// Disconnect transitions connected -> disconnected, stopping the keep-alive
// goroutine and closing the transport.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.fire(ctx, EventDisconnect); err != nil {
		return err
	}
	if c.keepAliveCancel != nil {
		c.keepAliveCancel()
	}
	c.wg.Wait()
	return c.transport.Close()
}

// Reinitialize transitions disconnected/error -> initialized, so the
// Client can be reconnected from a clean slate.
func (c *Client) Reinitialize(ctx context.Context) error {
	return c.fire(ctx, EventInitialize)
}

// ListTools returns the server's tools, using the cache populated by the
// last list_tools call until invalidated by a list_changed notification.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	c.mu.RLock()
	cached := c.toolsCache
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	raw, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: tools/list: %w", err)
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: decode tools/list: %w", err)
	}

	c.mu.Lock()
	c.toolsCache = result.Tools
	c.mu.Unlock()
	return result.Tools, nil
}

// CallTool invokes a tool by name with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	params := map[string]any{"name": name, "arguments": args}
	raw, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: tools/call %s: %w", name, err)
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: decode tools/call result: %w", err)
	}
	return &result, nil
}

// ListResources returns the server's resources, used by ListWindows to
// filter down to window:// URIs.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	c.mu.RLock()
	cached := c.resourcesCache
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	raw, err := c.transport.Call(ctx, "resources/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: resources/list: %w", err)
	}
	var result struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: decode resources/list: %w", err)
	}

	c.mu.Lock()
	c.resourcesCache = result.Resources
	c.mu.Unlock()
	return result.Resources, nil
}

// SubscribesResources reports whether this server advertised
// resources.subscribe=true during the initialize handshake. A server that
// does not advertise it contributes no windows at all.
func (c *Client) SubscribesResources() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities.Resources != nil && c.capabilities.Resources.Subscribe
}

// Subscribe issues a resources/subscribe call for uri, the side effect
// spec.md §4.3's list_windows() performs for every window it returns.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	if _, err := c.transport.Call(ctx, "resources/subscribe", map[string]any{"uri": uri}); err != nil {
		return fmt.Errorf("mcpclient: resources/subscribe %s: %w", uri, err)
	}
	return nil
}

// ListWindows implements spec.md §4.3's list_windows(): if the server never
// advertised resources.subscribe=true, returns an empty list without
// touching the transport. Otherwise it lists resources, filters to
// window:// URIs, subscribes to each as a side effect, and returns them
// sorted by parsed priority descending (missing priority sorts as 0). Any
// transport error listing or subscribing is logged and swallowed rather
// than propagated, so the caller sees an empty list instead of a failure.
func (c *Client) ListWindows(ctx context.Context) ([]Resource, error) {
	if !c.SubscribesResources() {
		return nil, nil
	}

	resources, err := c.ListResources(ctx)
	if err != nil {
		c.logger.Warn("list resources failed", "error", err)
		return nil, nil
	}

	type windowResource struct {
		resource Resource
		priority int
	}
	var windows []windowResource
	for _, r := range resources {
		u, err := window.Parse(r.URI)
		if err != nil {
			continue
		}
		if err := c.Subscribe(ctx, r.URI); err != nil {
			c.logger.Warn("subscribe failed", "uri", r.URI, "error", err)
			return nil, nil
		}
		windows = append(windows, windowResource{resource: r, priority: u.PriorityOrZero()})
	}

	sort.SliceStable(windows, func(i, j int) bool { return windows[i].priority > windows[j].priority })

	out := make([]Resource, len(windows))
	for i, w := range windows {
		out[i] = w.resource
	}
	return out, nil
}

// GetWindowDetail reads the resource content behind a window:// URI.
func (c *Client) GetWindowDetail(ctx context.Context, uri string) (*ResourceContent, error) {
	raw, err := c.transport.Call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, fmt.Errorf("mcpclient: resources/read %s: %w", uri, err)
	}
	var result struct {
		Contents []ResourceContent `json:"contents"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: decode resources/read result: %w", err)
	}
	if len(result.Contents) == 0 {
		return nil, fmt.Errorf("mcpclient: resource %s returned no content", uri)
	}
	return &result.Contents[0], nil
}

// Name returns the server name this Client was configured for.
func (c *Client) Name() string { return c.config.Name }

// NewClientForTesting builds a Client with a pre-populated tool cache and
// no live transport, for use by dependent packages' tests that exercise
// logic downstream of tool listing without a real connection.
func NewClientForTesting(cfg *ServerConfig, tools []Tool) *Client {
	return &Client{config: cfg, toolsCache: tools, state: StateConnected}
}

// NewClientForTestingWithTransport is NewClientForTesting plus an
// injected Transport, for tests that exercise CallTool/ListResources
// against a fake transport double.
func NewClientForTestingWithTransport(cfg *ServerConfig, tools []Tool, transport Transport) *Client {
	return &Client{config: cfg, toolsCache: tools, transport: transport, state: StateConnected}
}

// NewClientForTestingWithResources builds a Client with a pre-populated
// resource cache, a declared resources.subscribe capability, and an
// injected Transport, for dependent packages' tests that exercise windows
// aggregation (ListWindows/Subscribe) without a real connection.
func NewClientForTestingWithResources(cfg *ServerConfig, resources []Resource, subscribe bool, transport Transport) *Client {
	c := &Client{config: cfg, resourcesCache: resources, transport: transport, state: StateConnected}
	if subscribe {
		c.capabilities = Capabilities{Resources: &ResourcesCapability{Subscribe: true}}
	}
	return c
}
