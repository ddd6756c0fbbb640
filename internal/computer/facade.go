// Package computer implements the Computer Facade of spec.md §4.6: the
// single entry point a local process presents to the rest of the system,
// composing an mcpmanager.Manager, a render.Resolver, a confirm callback,
// and a bounded call-history ring buffer.
package computer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/a2c-smcp/internal/desktop"
	"github.com/haasonsaas/a2c-smcp/internal/mcpclient"
	"github.com/haasonsaas/a2c-smcp/internal/mcpmanager"
	"github.com/haasonsaas/a2c-smcp/internal/render"
)

// ConfirmFunc gates a tool call that is not auto-applied. Returning false
// rejects the call; a context deadline or a returned error produces a
// structured error result rather than failing execute_tool itself.
type ConfirmFunc func(ctx context.Context, reqID, server, tool string, params map[string]any) (bool, error)

// SignalingClient is the subset of the Agent-facing signaling transport
// the Facade pushes notifications through when attached. It is satisfied
// by computerclient.Client; left nil, notifications are simply dropped.
type SignalingClient interface {
	EmitToolListUpdate(ctx context.Context)
	EmitDesktopRefresh(ctx context.Context)
}

// HistoryEntry records one execute_tool invocation for the call-history
// ring buffer driving desktop.Aggregate's server ordering.
type HistoryEntry struct {
	Server    string
	Tool      string
	Success   bool
	Timestamp time.Time
}

// ExecuteResult is the outcome of an execute_tool call: either the raw MCP
// tool result, or a structured rejection/error when execution never
// reached the server.
type ExecuteResult struct {
	Result   *mcpclient.ToolCallResult
	Rejected bool
	Error    string
}

// Facade is the Computer side of one local process: one Manager, one
// Resolver, a confirm callback, and a history ring buffer.
type Facade struct {
	manager  *mcpmanager.Manager
	resolver *render.Resolver
	renderer *render.Renderer
	confirm  ConfirmFunc
	logger   *slog.Logger

	name string

	mu            sync.Mutex
	history       []HistoryEntry
	historyCap    int
	initialConfig []map[string]any

	signalMu sync.RWMutex
	signal   SignalingClient

	lastWindows map[string]bool
}

// New builds a Facade. historyCap bounds the ring buffer (0 disables
// history tracking, which disables desktop server ordering by recency).
func New(resolver *render.Resolver, confirm ConfirmFunc, historyCap int, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{
		manager:     mcpmanager.New(logger),
		resolver:    resolver,
		renderer:    render.NewRenderer(resolver, logger),
		confirm:     confirm,
		historyCap:  historyCap,
		logger:      logger.With("component", "computer"),
		lastWindows: map[string]bool{},
	}
	f.manager.SetNotificationHandler(f.handleNotification)
	return f
}

// SetSignalingClient attaches (or detaches, with nil) the Socket side
// notifications are pushed through.
func (f *Facade) SetSignalingClient(c SignalingClient) {
	f.signalMu.Lock()
	defer f.signalMu.Unlock()
	f.signal = c
}

// SetName records this Computer's join name, used only as a metrics label.
func (f *Facade) SetName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
}

// SetInitialConfig stores the raw server config dicts boot_up renders and
// installs.
func (f *Facade) SetInitialConfig(configs []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialConfig = configs
}

// ApplyConfig replaces the initial config set and re-runs BootUp against
// it, the hook a config-file watcher drives on hot reload.
func (f *Facade) ApplyConfig(ctx context.Context, configs []map[string]any) error {
	f.SetInitialConfig(configs)
	return f.BootUp(ctx)
}

// BootUp renders every initial server config through the Resolver
// (failures leave that config unrendered and proceed with the others),
// then installs the resulting set into the Manager.
func (f *Facade) BootUp(ctx context.Context) error {
	f.mu.Lock()
	raw := f.initialConfig
	f.mu.Unlock()

	configs := make([]*mcpclient.ServerConfig, 0, len(raw))
	for _, rc := range raw {
		rendered := f.renderConfigDict(ctx, rc)
		cfg, err := decodeServerConfig(rendered)
		if err != nil {
			f.logger.Error("boot_up: invalid server config, skipping", "error", err)
			continue
		}
		configs = append(configs, cfg)
	}

	return f.manager.Initialize(configs)
}

func (f *Facade) renderConfigDict(ctx context.Context, rc map[string]any) map[string]any {
	rendered := f.renderer.Render(ctx, rc)
	out, ok := rendered.(map[string]any)
	if !ok {
		return rc
	}
	return out
}

// AddOrUpdateServer renders cfg if given as a raw dict, validates it into
// a typed ServerConfig, and forwards the upsert to the Manager.
func (f *Facade) AddOrUpdateServer(ctx context.Context, raw map[string]any, autoConnect, autoReconnect bool) error {
	rendered := f.renderConfigDict(ctx, raw)
	cfg, err := decodeServerConfig(rendered)
	if err != nil {
		return fmt.Errorf("computer: add_or_update_server: %w", err)
	}
	return f.manager.AddOrUpdateServer(ctx, cfg, autoConnect, autoReconnect)
}

// GetDesktop queries the Manager for windows/details and runs them
// through the Aggregator with the current call history.
func (f *Facade) GetDesktop(ctx context.Context, size int, windowURI string) ([]desktop.Rendered, error) {
	f.mu.Lock()
	name := f.name
	f.mu.Unlock()
	if metrics := f.manager.Metrics(); metrics != nil {
		metrics.DesktopAggregations.WithLabelValues(name).Inc()
	}
	triples, err := f.manager.GetWindowsDetails(ctx, windowURI)
	if err != nil {
		return nil, fmt.Errorf("computer: get_desktop: %w", err)
	}

	dTriples := make([]desktop.Triple, len(triples))
	for i, t := range triples {
		dTriples[i] = desktop.Triple{Server: t.Server, Resource: t.Resource, Detail: t.Detail}
	}

	f.mu.Lock()
	history := make([]string, len(f.history))
	for i, h := range f.history {
		history[i] = h.Server
	}
	f.mu.Unlock()

	return desktop.Aggregate(dTriples, size, history), nil
}

// ExecuteTool validates the call via the Manager, consults the merged
// ToolMeta's auto_apply, and either calls directly or routes through the
// confirm callback. Every path past tool validation and meta lookup records
// a history entry; a call rejected at validation or meta lookup is not
// recorded.
func (f *Facade) ExecuteTool(ctx context.Context, reqID, toolName string, params map[string]any, timeout time.Duration) ExecuteResult {
	server, original, err := f.manager.ValidateToolCall(toolName)
	if err != nil {
		f.recordToolCallMetric("", toolName, "rejected")
		return ExecuteResult{Rejected: true, Error: err.Error()}
	}

	meta, err := f.manager.GetToolMeta(server, original)
	if err != nil {
		f.recordToolCallMetric(server, original, "rejected")
		return ExecuteResult{Rejected: true, Error: err.Error()}
	}

	if !meta.AutoApplyOrFalse() {
		if f.confirm == nil {
			f.recordToolCallMetric(server, original, "rejected")
			return f.record(server, original, ExecuteResult{Rejected: true, Error: "no confirm callback configured"})
		}
		confirmCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			confirmCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		ok, err := f.confirm(confirmCtx, reqID, server, original, params)
		if err != nil {
			f.recordToolCallMetric(server, original, "error")
			return f.record(server, original, ExecuteResult{Error: fmt.Sprintf("confirm callback error: %v", err)})
		}
		if !ok {
			f.recordToolCallMetric(server, original, "rejected")
			return f.record(server, original, ExecuteResult{Rejected: true, Error: "rejected by confirm callback"})
		}
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := f.manager.CallTool(callCtx, server, original, params)
	if err != nil {
		return f.record(server, original, ExecuteResult{Error: err.Error()})
	}
	return f.record(server, original, ExecuteResult{Result: result})
}

// recordToolCallMetric records an execute_tool outcome that never reached
// Manager.CallTool (validation/confirm rejections and confirm-callback
// errors); outcomes that do reach CallTool are recorded there instead.
func (f *Facade) recordToolCallMetric(server, tool, status string) {
	if metrics := f.manager.Metrics(); metrics != nil {
		metrics.ToolCalls.WithLabelValues(server, tool, status).Inc()
	}
}

func (f *Facade) record(server, tool string, res ExecuteResult) ExecuteResult {
	if f.historyCap <= 0 {
		return res
	}
	f.mu.Lock()
	entry := HistoryEntry{Server: server, Tool: tool, Success: res.Error == "" && !res.Rejected}
	f.history = append(f.history, entry)
	if f.historyCap > 0 && len(f.history) > f.historyCap {
		f.history = f.history[len(f.history)-f.historyCap:]
	}
	f.mu.Unlock()
	return res
}

// handleNotification routes Manager notifications to the attached
// SignalingClient per spec.md §4.6: tool-list-changed always re-emits the
// tool list; resource-list-changed re-emits the desktop only when the
// window-set actually changed; resources/updated for a window:// URI always
// re-emits the desktop.
func (f *Facade) handleNotification(server string, notif *mcpclient.JSONRPCNotification) {
	f.signalMu.RLock()
	client := f.signal
	f.signalMu.RUnlock()
	if client == nil {
		return
	}

	ctx := context.Background()
	switch notif.Method {
	case "notifications/tools/list_changed":
		client.EmitToolListUpdate(ctx)
	case "notifications/resources/list_changed":
		if f.windowSetChanged(ctx) {
			client.EmitDesktopRefresh(ctx)
		}
	case "notifications/resources/updated":
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(notif.Params, &params); err == nil && strings.HasPrefix(params.URI, "window://") {
			client.EmitDesktopRefresh(ctx)
		}
	}
}

// windowSetChanged compares the cached set of window URIs against a fresh
// collection, returning true (and updating the cache) only on genuine
// change.
func (f *Facade) windowSetChanged(ctx context.Context) bool {
	triples, err := f.manager.ListWindows(ctx, "")
	if err != nil {
		f.logger.Warn("window-set delta check failed", "error", err)
		return false
	}

	current := make(map[string]bool, len(triples))
	for _, t := range triples {
		current[t.Resource.URI] = true
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	changed := !sameSet(f.lastWindows, current)
	f.lastWindows = current
	return changed
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// Manager exposes the underlying Manager for callers outside the Facade
// that need direct access (e.g. to attach metrics).
func (f *Facade) Manager() *mcpmanager.Manager { return f.manager }

// Resolver exposes the underlying Resolver for callers (e.g.
// client:get_config) that need to read the computer's Input Definitions.
func (f *Facade) Resolver() *render.Resolver { return f.resolver }

// History returns a snapshot of the current call history, oldest first.
func (f *Facade) History() []HistoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]HistoryEntry(nil), f.history...)
}
