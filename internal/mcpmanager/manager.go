// Package mcpmanager supervises a mutable set of mcpclient.Client
// instances keyed by server name: it rebuilds the tool name/alias/disabled
// tables after every tool list change, validates and forwards tool calls,
// applies the VRL return transform, and aggregates window resources across
// every active client.
package mcpmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/a2c-smcp/internal/mcpclient"
	"github.com/haasonsaas/a2c-smcp/internal/observability"
	"github.com/haasonsaas/a2c-smcp/internal/vrl"
)

// ToolNameDuplicated is raised when a tool-table rebuild finds two active
// servers advertising the same visible name.
type ToolNameDuplicated struct {
	Server string
	Name   string
}

func (e *ToolNameDuplicated) Error() string {
	return fmt.Sprintf("mcpmanager: tool name %q from server %q is already mapped", e.Name, e.Server)
}

// NotFoundError is returned when a tool name resolves to neither the
// tool_mapping nor the alias_mapping table.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("mcpmanager: tool %q not found", e.Name) }

// PermissionError is returned for a tool name listed in disabled_tools.
type PermissionError struct{ Name string }

func (e *PermissionError) Error() string {
	return fmt.Sprintf("mcpmanager: tool %q is disabled", e.Name)
}

// UnknownServerError is returned by operations targeting a server name not
// present in the config set.
type UnknownServerError struct{ Name string }

func (e *UnknownServerError) Error() string {
	return fmt.Sprintf("mcpmanager: unknown server %q", e.Name)
}

// entry bundles one server's config, its live client (nil until started),
// and the insertion order index used by tie-breaking rules.
type entry struct {
	config        *mcpclient.ServerConfig
	client        *mcpclient.Client
	order         int
	autoConnect   bool
	autoReconnect bool
}

// ResourceDetail is the content read from a window resource, paired with
// its originating server and declared Resource by windows-aggregation
// operations.
type ResourceDetail = mcpclient.ResourceContent

// WindowTriple is one (server, resource, detail) triple as required by
// desktop.Aggregate.
type WindowTriple struct {
	Server   string
	Resource mcpclient.Resource
	Detail   *ResourceDetail
}

// NotificationHandler receives every notification forwarded by any active
// client, tagged with the originating server name.
type NotificationHandler func(server string, notif *mcpclient.JSONRPCNotification)

// Manager supervises the full set of MCP clients for one Computer.
type Manager struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*entry

	toolMapping   map[string]string             // visible name -> server
	aliasMapping  map[string][2]string          // visible name -> [server, original name]
	disabledTools map[string]bool

	logger           *slog.Logger
	notificationSink NotificationHandler
	nextOrder        int
	metrics          *observability.Metrics
}

// New builds an empty Manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		entries:       map[string]*entry{},
		toolMapping:   map[string]string{},
		aliasMapping:  map[string][2]string{},
		disabledTools: map[string]bool{},
		logger:        logger.With("component", "mcpmanager"),
	}
}

// SetNotificationHandler installs the single shared handler every active
// client's notifications fan into.
func (m *Manager) SetNotificationHandler(h NotificationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notificationSink = h
}

// SetMetrics attaches a Metrics recorder. Left unset, the Manager records
// nothing.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// Metrics returns the attached Metrics recorder, or nil if none is set.
// The Facade shares this recorder for the counters it records itself
// (rejected calls, desktop aggregations).
func (m *Manager) Metrics() *observability.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Initialize replaces the config set wholesale without connecting any
// client.
func (m *Manager) Initialize(configs []*mcpclient.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range configs {
		if err := vrl.Validate(cfg.VRLScript); err != nil {
			return fmt.Errorf("mcpmanager: server %q: %w", cfg.Name, err)
		}
	}

	m.order = nil
	m.entries = map[string]*entry{}
	m.toolMapping = map[string]string{}
	m.aliasMapping = map[string][2]string{}
	m.disabledTools = map[string]bool{}
	m.nextOrder = 0

	for _, cfg := range configs {
		m.insertLocked(cfg, true, true)
	}
	return nil
}

func (m *Manager) insertLocked(cfg *mcpclient.ServerConfig, autoConnect, autoReconnect bool) {
	e := &entry{config: cfg, order: m.nextOrder, autoConnect: autoConnect, autoReconnect: autoReconnect}
	m.nextOrder++
	m.entries[cfg.Name] = e
	m.order = append(m.order, cfg.Name)
}

// StartAll connects every non-disabled config and rebuilds the tool table.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.order))
	for _, n := range m.order {
		if e := m.entries[n]; e != nil && !e.config.Disabled {
			names = append(names, n)
		}
	}
	m.mu.Unlock()

	for _, n := range names {
		if err := m.StartClient(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// StopAll disconnects every client, draining in reverse insertion order.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	var firstErr error
	for i := len(names) - 1; i >= 0; i-- {
		if err := m.StopClient(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartClient connects the named server's client and rebuilds the tool
// table. A rebuild failure rolls the client back to disconnected.
func (m *Manager) StartClient(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return &UnknownServerError{Name: name}
	}
	cfg := e.config
	m.mu.Unlock()

	metrics := m.Metrics()
	hooks := mcpclient.Hooks{}
	if metrics != nil {
		hooks.After = func(ctx context.Context, ev mcpclient.Event, from, to mcpclient.State) {
			metrics.MCPClientState.WithLabelValues(name, string(to)).Inc()
		}
	}
	client, err := mcpclient.NewClient(cfg, hooks)
	if err != nil {
		return fmt.Errorf("mcpmanager: build client for %q: %w", name, err)
	}
	client.SetNotificationRelay(func(n *mcpclient.JSONRPCNotification) {
		m.mu.Lock()
		sink := m.notificationSink
		m.mu.Unlock()
		if sink != nil {
			sink(name, n)
		}
	})

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("mcpmanager: connect %q: %w", name, err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("mcpmanager: list tools for %q: %w", name, err)
	}

	m.mu.Lock()
	e.client = client
	rebuildErr := m.rebuildLocked()
	m.mu.Unlock()

	if rebuildErr != nil {
		_ = client.Disconnect(ctx)
		m.mu.Lock()
		e.client = nil
		_ = m.rebuildLocked()
		m.mu.Unlock()
		return rebuildErr
	}

	_ = tools // consumed by rebuildLocked via client.ListTools cache
	return nil
}

// StopClient disconnects the named server's client, if active, and
// rebuilds the tool table without it.
func (m *Manager) StopClient(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return &UnknownServerError{Name: name}
	}
	client := e.client
	e.client = nil
	_ = m.rebuildLocked()
	m.mu.Unlock()

	if client != nil {
		return client.Disconnect(ctx)
	}
	return nil
}

// AddOrUpdateServer upserts a config. If the named server is already
// active and auto-reconnect is off, the update is rejected; otherwise the
// old client (if any) is stopped, the new config installed, and the
// client restarted if auto-connect is enabled.
func (m *Manager) AddOrUpdateServer(ctx context.Context, cfg *mcpclient.ServerConfig, autoConnect, autoReconnect bool) error {
	if err := vrl.Validate(cfg.VRLScript); err != nil {
		return fmt.Errorf("mcpmanager: %w", err)
	}

	m.mu.Lock()
	existing, exists := m.entries[cfg.Name]
	active := exists && existing.client != nil
	m.mu.Unlock()

	if active && !autoReconnect {
		return fmt.Errorf("mcpmanager: server %q is active and auto-reconnect is disabled", cfg.Name)
	}

	if active {
		if err := m.StopClient(ctx, cfg.Name); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if exists {
		m.entries[cfg.Name].config = cfg
		m.entries[cfg.Name].autoConnect = autoConnect
		m.entries[cfg.Name].autoReconnect = autoReconnect
	} else {
		m.insertLocked(cfg, autoConnect, autoReconnect)
	}
	m.mu.Unlock()

	if autoConnect && !cfg.Disabled {
		return m.StartClient(ctx, cfg.Name)
	}
	return nil
}

// RemoveServer stops and forgets the named server. Removing an unknown
// name fails.
func (m *Manager) RemoveServer(ctx context.Context, name string) error {
	m.mu.Lock()
	_, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return &UnknownServerError{Name: name}
	}

	if err := m.StopClient(ctx, name); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.entries, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// rebuildLocked recomputes tool_mapping, alias_mapping, and disabled_tools
// from every active client, deterministically in config-set insertion
// order. Caller must hold m.mu. On ToolNameDuplicated the receiver's
// tables are left exactly as they were before the call.
func (m *Manager) rebuildLocked() error {
	toolMapping := map[string]string{}
	aliasMapping := map[string][2]string{}
	disabledTools := map[string]bool{}

	for _, name := range m.order {
		e := m.entries[name]
		if e == nil || e.client == nil {
			continue
		}
		tools, err := e.client.CachedTools()
		if err != nil {
			continue
		}
		for _, t := range tools {
			meta := effectiveMeta(e.config, t.Name)
			visible := t.Name
			if meta.Alias != "" {
				visible = meta.Alias
			}

			if e.config.ForbiddenTools[t.Name] {
				disabledTools[visible] = true
				continue
			}
			if _, dup := toolMapping[visible]; dup {
				if m.metrics != nil {
					m.metrics.ToolNameDuplicates.WithLabelValues(name).Inc()
				}
				return &ToolNameDuplicated{Server: name, Name: visible}
			}
			if _, dup := aliasMapping[visible]; dup {
				if m.metrics != nil {
					m.metrics.ToolNameDuplicates.WithLabelValues(name).Inc()
				}
				return &ToolNameDuplicated{Server: name, Name: visible}
			}
			if meta.Alias != "" {
				aliasMapping[visible] = [2]string{name, t.Name}
			}
			toolMapping[visible] = name
		}
	}

	m.toolMapping = toolMapping
	m.aliasMapping = aliasMapping
	m.disabledTools = disabledTools
	return nil
}

func effectiveMeta(cfg *mcpclient.ServerConfig, toolName string) mcpclient.ToolMeta {
	var base mcpclient.ToolMeta
	if cfg.DefaultToolMeta != nil {
		base = *cfg.DefaultToolMeta
	}
	override, ok := cfg.ToolMeta[toolName]
	if !ok {
		return base
	}
	return base.Merge(&override)
}

// ValidateToolCall resolves a visible tool name to its owning server and
// the server-original tool name, per spec.md §4.4's disabled/alias/direct
// resolution order.
func (m *Manager) ValidateToolCall(name string) (server, original string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disabledTools[name] {
		return "", "", &PermissionError{Name: name}
	}
	if pair, ok := m.aliasMapping[name]; ok {
		return pair[0], pair[1], nil
	}
	if server, ok := m.toolMapping[name]; ok {
		return server, name, nil
	}
	return "", "", &NotFoundError{Name: name}
}

// CallTool forwards a validated call to its client, applies the VRL
// transform if configured, and injects merged tool meta into the result.
func (m *Manager) CallTool(ctx context.Context, server, tool string, params map[string]any) (*mcpclient.ToolCallResult, error) {
	m.mu.Lock()
	e, ok := m.entries[server]
	if !ok || e.client == nil {
		m.mu.Unlock()
		return nil, &UnknownServerError{Name: server}
	}
	client := e.client
	cfg := e.config
	metrics := m.metrics
	m.mu.Unlock()

	start := time.Now()
	result, err := client.CallTool(ctx, tool, params)
	if metrics != nil {
		metrics.ToolCallDuration.WithLabelValues(server, tool).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if metrics != nil {
			metrics.ToolCalls.WithLabelValues(server, tool, "error").Inc()
		}
		return nil, err
	}

	if result.Meta == nil {
		result.Meta = map[string]any{}
	}
	meta := effectiveMeta(cfg, tool)
	result.Meta["a2c_tool_meta"] = meta

	if cfg.VRLScript != "" {
		transformed, vErr := vrl.Run(cfg.VRLScript, vrl.CallContext{
			ToolName:   tool,
			Parameters: params,
			IsError:    result.IsError,
			Content:    result.Content,
			Meta:       result.Meta,
		})
		if vErr != nil {
			m.logger.Warn("vrl transform failed, skipping", "server", server, "tool", tool, "error", vErr)
			if metrics != nil {
				metrics.VRLTransforms.WithLabelValues(server, tool, "error").Inc()
			}
		} else {
			data, _ := json.Marshal(transformed)
			result.Meta["a2c_vrl_transformed"] = string(data)
			if metrics != nil {
				metrics.VRLTransforms.WithLabelValues(server, tool, "ok").Inc()
			}
		}
	}

	status := "success"
	if result.IsError {
		status = "error"
	}
	if metrics != nil {
		metrics.ToolCalls.WithLabelValues(server, tool, status).Inc()
	}

	return result, nil
}

// GetToolMeta exposes the merged ToolMeta for a specific server/tool pair,
// for external gating decisions like auto-apply.
func (m *Manager) GetToolMeta(server, tool string) (mcpclient.ToolMeta, error) {
	m.mu.Lock()
	e, ok := m.entries[server]
	m.mu.Unlock()
	if !ok {
		return mcpclient.ToolMeta{}, &UnknownServerError{Name: server}
	}
	return effectiveMeta(e.config, tool), nil
}

// AvailableTool is one entry of available_tools(): the tool itself plus
// its owning server and merged meta.
type AvailableTool struct {
	Server string
	Tool   mcpclient.Tool
	Meta   mcpclient.ToolMeta
}

// AvailableTools enumerates every tool from every active client with its
// merged meta attached.
func (m *Manager) AvailableTools(ctx context.Context) ([]AvailableTool, error) {
	m.mu.Lock()
	type target struct {
		name   string
		client *mcpclient.Client
		cfg    *mcpclient.ServerConfig
	}
	var targets []target
	for _, name := range m.order {
		e := m.entries[name]
		if e != nil && e.client != nil {
			targets = append(targets, target{name, e.client, e.config})
		}
	}
	m.mu.Unlock()

	var out []AvailableTool
	for _, tg := range targets {
		tools, err := tg.client.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("mcpmanager: list tools for %q: %w", tg.name, err)
		}
		for _, t := range tools {
			out = append(out, AvailableTool{
				Server: tg.name,
				Tool:   t,
				Meta:   effectiveMeta(tg.cfg, t.Name),
			})
		}
	}
	return out, nil
}

// ListWindows queries every active client that advertises
// resources.subscribe=true and returns (server, resource) pairs, filtered
// to uri if non-empty. Clients that never advertised the capability are
// skipped entirely; per-client results are already subscribed and sorted
// by priority descending via mcpclient.Client.ListWindows.
func (m *Manager) ListWindows(ctx context.Context, uri string) ([]WindowTriple, error) {
	return m.collectWindows(ctx, uri, false)
}

// GetWindowsDetails is ListWindows plus a content fetch per window.
func (m *Manager) GetWindowsDetails(ctx context.Context, uri string) ([]WindowTriple, error) {
	return m.collectWindows(ctx, uri, true)
}

func (m *Manager) collectWindows(ctx context.Context, uriFilter string, withDetail bool) ([]WindowTriple, error) {
	m.mu.Lock()
	type target struct {
		name   string
		client *mcpclient.Client
	}
	var targets []target
	for _, name := range m.order {
		e := m.entries[name]
		if e != nil && e.client != nil {
			targets = append(targets, target{name, e.client})
		}
	}
	m.mu.Unlock()

	var out []WindowTriple
	for _, tg := range targets {
		if !tg.client.SubscribesResources() {
			continue
		}
		resources, err := tg.client.ListWindows(ctx)
		if err != nil {
			m.logger.Warn("list windows failed", "server", tg.name, "error", err)
			continue
		}
		for _, r := range resources {
			if uriFilter != "" && r.URI != uriFilter {
				continue
			}
			triple := WindowTriple{Server: tg.name, Resource: r}
			if withDetail {
				content, err := tg.client.GetWindowDetail(ctx, r.URI)
				if err != nil {
					m.logger.Debug("read window detail failed", "server", tg.name, "uri", r.URI, "error", err)
				} else {
					triple.Detail = content
				}
			}
			out = append(out, triple)
		}
	}
	return out, nil
}

// InjectForTesting installs a pre-built client under name without going
// through Connect, for use by dependent packages' tests that exercise
// logic downstream of an active client without a real connection.
func (m *Manager) InjectForTesting(name string, cfg *mcpclient.ServerConfig, client *mcpclient.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[name]; !exists {
		m.insertLocked(cfg, true, true)
	}
	m.entries[name].client = client
	_ = m.rebuildLocked()
}

// ServerNames returns the configured server names in insertion order.
func (m *Manager) ServerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Configs returns every configured server's ServerConfig keyed by name,
// regardless of whether its client is currently active. Used by
// client:get_config to serialize the computer's configured servers onto
// the wire.
func (m *Manager) Configs() map[string]*mcpclient.ServerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*mcpclient.ServerConfig, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.config
	}
	return out
}

// sortedKeys returns m's keys in sorted order, making map-derived output
// deterministic.
func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
