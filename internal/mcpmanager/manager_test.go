package mcpmanager

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/a2c-smcp/internal/mcpclient"
)

// fakeSubscribeTransport answers resources/subscribe with an empty success
// object and is otherwise unused by the windows-aggregation tests below.
type fakeSubscribeTransport struct{}

func (fakeSubscribeTransport) Connect(ctx context.Context) error { return nil }
func (fakeSubscribeTransport) Close() error                      { return nil }
func (fakeSubscribeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (fakeSubscribeTransport) Notify(ctx context.Context, method string, params any) error { return nil }
func (fakeSubscribeTransport) Events() <-chan *mcpclient.JSONRPCNotification               { return nil }
func (fakeSubscribeTransport) Requests() <-chan *mcpclient.JSONRPCRequest                  { return nil }
func (fakeSubscribeTransport) Respond(ctx context.Context, id any, result any, rpcErr *mcpclient.JSONRPCError) error {
	return nil
}
func (fakeSubscribeTransport) Connected() bool { return true }

func TestEffectiveMetaMergesDefaultAndOverride(t *testing.T) {
	autoTrue := true
	cfg := &mcpclient.ServerConfig{
		DefaultToolMeta: &mcpclient.ToolMeta{AutoApply: &autoTrue, Tags: []string{"default"}},
		ToolMeta: map[string]mcpclient.ToolMeta{
			"t1": {Alias: "renamed"},
		},
	}

	m := effectiveMeta(cfg, "t1")
	if m.Alias != "renamed" {
		t.Errorf("expected alias override, got %q", m.Alias)
	}
	if !m.AutoApplyOrFalse() {
		t.Errorf("expected auto_apply inherited from default_tool_meta")
	}
	if len(m.Tags) != 1 || m.Tags[0] != "default" {
		t.Errorf("expected tags inherited, got %v", m.Tags)
	}
}

func TestValidateToolCallDisabledBeforeAlias(t *testing.T) {
	m := New(nil)
	m.disabledTools["blocked"] = true
	m.aliasMapping["blocked"] = [2]string{"srv", "orig"}

	_, _, err := m.ValidateToolCall("blocked")
	if _, ok := err.(*PermissionError); !ok {
		t.Fatalf("expected PermissionError, got %v", err)
	}
}

func TestValidateToolCallResolvesAlias(t *testing.T) {
	m := New(nil)
	m.aliasMapping["renamed"] = [2]string{"srv", "orig"}

	server, original, err := m.ValidateToolCall("renamed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if server != "srv" || original != "orig" {
		t.Fatalf("got (%s, %s)", server, original)
	}
}

func TestValidateToolCallNotFound(t *testing.T) {
	m := New(nil)
	_, _, err := m.ValidateToolCall("nope")
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func newStubClient(t *testing.T, tools []mcpclient.Tool) *mcpclient.Client {
	t.Helper()
	return mcpclient.NewClientForTesting(&mcpclient.ServerConfig{}, tools)
}

// TestRebuildLockedFirstWriterWinsAndForbidden exercises rebuildLocked in
// isolation using clients whose tool cache is pre-populated, since
// rebuildLocked reads from entry.client.CachedTools() rather than
// performing network I/O.
func TestRebuildLockedFirstWriterWinsAndForbidden(t *testing.T) {
	m := New(nil)
	m.order = []string{"sA", "sB"}
	m.entries = map[string]*entry{
		"sA": {
			config: &mcpclient.ServerConfig{
				Name:           "sA",
				ForbiddenTools: map[string]bool{"danger": true},
			},
			client: newStubClient(t, []mcpclient.Tool{{Name: "t1"}, {Name: "danger"}}),
		},
		"sB": {
			config: &mcpclient.ServerConfig{Name: "sB"},
			client: newStubClient(t, []mcpclient.Tool{{Name: "t2"}}),
		},
	}

	if err := m.rebuildLocked(); err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}
	if m.toolMapping["t1"] != "sA" {
		t.Errorf("expected t1 -> sA, got %v", m.toolMapping["t1"])
	}
	if !m.disabledTools["danger"] {
		t.Errorf("expected danger to be disabled")
	}
	if m.toolMapping["t2"] != "sB" {
		t.Errorf("expected t2 -> sB, got %v", m.toolMapping["t2"])
	}
}

func TestRebuildLockedDuplicateNameRaises(t *testing.T) {
	m := New(nil)
	m.order = []string{"sA", "sB"}
	m.entries = map[string]*entry{
		"sA": {
			config: &mcpclient.ServerConfig{Name: "sA"},
			client: newStubClient(t, []mcpclient.Tool{{Name: "t1"}}),
		},
		"sB": {
			config: &mcpclient.ServerConfig{
				Name: "sB",
				ToolMeta: map[string]mcpclient.ToolMeta{
					"t2": {Alias: "t1"},
				},
			},
			client: newStubClient(t, []mcpclient.Tool{{Name: "t2"}}),
		},
	}

	err := m.rebuildLocked()
	if _, ok := err.(*ToolNameDuplicated); !ok {
		t.Fatalf("expected ToolNameDuplicated, got %v", err)
	}
}

// TestListWindowsOnlyAggregatesSubscribingServers exercises the
// resources.subscribe=true gate: a server that never advertised the
// capability contributes nothing, even though it exposes a window://
// resource.
func TestListWindowsOnlyAggregatesSubscribingServers(t *testing.T) {
	m := New(nil)
	m.order = []string{"subscribed", "plain"}
	m.entries = map[string]*entry{
		"subscribed": {
			config: &mcpclient.ServerConfig{Name: "subscribed"},
			client: mcpclient.NewClientForTestingWithResources(
				&mcpclient.ServerConfig{Name: "subscribed"},
				[]mcpclient.Resource{{URI: "window://subscribed/a?priority=10", Name: "a"}},
				true,
				fakeSubscribeTransport{},
			),
		},
		"plain": {
			config: &mcpclient.ServerConfig{Name: "plain"},
			client: mcpclient.NewClientForTestingWithResources(
				&mcpclient.ServerConfig{Name: "plain"},
				[]mcpclient.Resource{{URI: "window://plain/b?priority=90", Name: "b"}},
				false,
				fakeSubscribeTransport{},
			),
		},
	}

	windows, err := m.ListWindows(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(windows) != 1 || windows[0].Server != "subscribed" {
		t.Fatalf("expected only the subscribed server's window, got %+v", windows)
	}
}

// TestCallToolAppliesVRLTransform exercises CallTool's VRL branch on the
// success path: a configured vrl_script runs against the call context and
// its result lands in the tool result's a2c_vrl_transformed meta key.
func TestCallToolAppliesVRLTransform(t *testing.T) {
	cfg := &mcpclient.ServerConfig{Name: "sA", VRLScript: `tool_name + "!"`}
	client := mcpclient.NewClientForTestingWithTransport(cfg, []mcpclient.Tool{{Name: "echo"}}, fakeSubscribeTransport{})
	m := New(nil)
	m.InjectForTesting("sA", cfg, client)

	result, err := m.CallTool(context.Background(), "sA", "echo", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Meta["a2c_vrl_transformed"] != `"echo!"` {
		t.Fatalf("expected vrl transform applied, got %+v", result.Meta)
	}
}

// TestCallToolSkipsTransformOnVRLRuntimeError exercises CallTool's VRL
// branch on the error path: a script that fails at evaluation time must not
// fail the call, just leave a2c_vrl_transformed unset.
func TestCallToolSkipsTransformOnVRLRuntimeError(t *testing.T) {
	cfg := &mcpclient.ServerConfig{Name: "sB", VRLScript: `1/0`}
	client := mcpclient.NewClientForTestingWithTransport(cfg, []mcpclient.Tool{{Name: "echo"}}, fakeSubscribeTransport{})
	m := New(nil)
	m.InjectForTesting("sB", cfg, client)

	result, err := m.CallTool(context.Background(), "sB", "echo", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := result.Meta["a2c_vrl_transformed"]; ok {
		t.Fatalf("expected no vrl transform recorded on eval error, got %+v", result.Meta)
	}
}
